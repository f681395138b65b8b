package servicedesc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lexbill/internal/obs"
)

const (
	// TypeExportVerify recomputes a finalized description before it is handed to the exporter.
	TypeExportVerify = "servicedesc:export_verify"
	// ExportQueue is the asynq queue export tasks are placed on.
	ExportQueue = "exports"
)

// TaskEnqueuer is the subset of *asynq.Client used to schedule export work.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ExportPayload identifies the snapshot to verify. Total is the figure returned
// to the caller at finalize time.
type ExportPayload struct {
	DescriptionID uuid.UUID `json:"description_id"`
	Total         string    `json:"total"`
}

// NewExportTask builds the asynq task for payload. The task id is derived from the
// description so repeated finalize attempts never queue the same export twice.
func NewExportTask(payload ExportPayload) (*asynq.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeExportVerify, raw,
		asynq.Queue(ExportQueue),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
		asynq.TaskID("export:"+payload.DescriptionID.String()),
	), nil
}

// ExportHandler processes TypeExportVerify tasks.
type ExportHandler struct {
	Service *Service
	Logger  zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h ExportHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ExportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode export payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := h.Logger.With().Str("task", t.Type()).Str("description_id", payload.DescriptionID.String()).Logger()

	total, err := h.Service.VerifyExport(ctx, payload.DescriptionID)
	if err == nil && payload.Total != "" && payload.Total != total.StringFixed(2) {
		obs.CountExportMismatch()
		err = fmt.Errorf("%w: finalized as %s, recomputed %s", ErrExportMismatch, payload.Total, total.StringFixed(2))
	}
	switch {
	case err == nil:
		logger.Info().Str("total", total.StringFixed(2)).Msg("export verified")
		return nil
	case errors.Is(err, ErrExportMismatch), errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
		logger.Error().Err(err).Msg("export rejected")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		logger.Warn().Err(err).Msg("export verification failed; will retry")
		return err
	}
}
