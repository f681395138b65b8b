package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/noah-isme/backend-lexbill/internal/auth"
	"github.com/noah-isme/backend-lexbill/internal/billing"
	"github.com/noah-isme/backend-lexbill/internal/obs"
	"github.com/noah-isme/backend-lexbill/internal/servicedesc"
)

func main() {
	_ = godotenv.Load()
	logger := obs.NewLogger("console", "info").With().Str("component", "seeder").Logger()
	if err := newRootCmd(logger).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger zerolog.Logger) *cobra.Command {
	var databaseURL string
	root := &cobra.Command{
		Use:          "seeder",
		Short:        "Seed API clients and demo billing data",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")

	connect := func(ctx context.Context) (*pgxpool.Pool, error) {
		if databaseURL == "" {
			return nil, errors.New("DATABASE_URL is not set")
		}
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return pool, nil
	}

	var (
		clientID string
		name     string
		secret   string
		scopes   string
	)
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Create or rotate an API client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, plain, err := buildClient(clientID, name, secret, scopes)
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			_, err = pool.Exec(cmd.Context(), `INSERT INTO api_clients (id, name, secret_hash, scopes)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, secret_hash = EXCLUDED.secret_hash, scopes = EXCLUDED.scopes, disabled = FALSE`,
				client.ID, client.Name, client.SecretHash, client.Scopes)
			if err != nil {
				return fmt.Errorf("upsert client: %w", err)
			}
			logger.Info().Str("client_id", client.ID).Strs("scopes", client.Scopes).Msg("client seeded")
			if secret == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "client_secret=%s\n", plain)
			}
			return nil
		},
	}
	clientCmd.Flags().StringVar(&clientID, "id", "lexbill-admin", "client id")
	clientCmd.Flags().StringVar(&name, "name", "Lexbill administrator", "display name")
	clientCmd.Flags().StringVar(&secret, "secret", os.Getenv("SEED_CLIENT_SECRET"), "client secret; generated when empty")
	clientCmd.Flags().StringVar(&scopes, "scopes", strings.Join([]string{auth.ScopeBillingRead, auth.ScopeBillingWrite, auth.ScopeReportsRead}, " "), "space separated scopes")
	root.AddCommand(clientCmd)

	root.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Insert sample time entries and a DRAFT service description",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			return seedDemo(cmd.Context(), pool, logger)
		},
	})
	return root
}

// buildClient hashes the secret, generating one when none is supplied, and
// returns the plaintext alongside the stored record.
func buildClient(id, name, secret, scopes string) (auth.Client, string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return auth.Client{}, "", errors.New("client id is required")
	}
	fields := strings.Fields(scopes)
	known := map[string]bool{auth.ScopeBillingRead: true, auth.ScopeBillingWrite: true, auth.ScopeReportsRead: true}
	for _, s := range fields {
		if !known[s] {
			return auth.Client{}, "", fmt.Errorf("unknown scope %q", s)
		}
	}
	if secret == "" {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			return auth.Client{}, "", err
		}
		secret = base64.RawURLEncoding.EncodeToString(buf)
	}
	hash, err := argon2id.CreateHash(secret, argon2id.DefaultParams)
	if err != nil {
		return auth.Client{}, "", fmt.Errorf("hash secret: %w", err)
	}
	return auth.Client{ID: id, Name: strings.TrimSpace(name), SecretHash: hash, Scopes: fields}, secret, nil
}

type demoEntry struct {
	Day   int
	Hours string
	Topic string
	Note  string
}

var demoEntries = []demoEntry{
	{2, "2.50", "Contract review", "Review of supplier agreement"},
	{3, "1.75", "Contract review", "Redline and call with counterparty"},
	{9, "4.00", "Litigation", "Drafting statement of claim"},
	{10, "3.25", "Litigation", "Evidence bundle"},
	{16, "0.50", "", "Internal coordination"},
}

func seedDemo(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	clientID := uuid.New()
	employeeID := uuid.New()
	start := time.Date(time.Now().Year(), time.Now().Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	end := start.AddDate(0, 1, -1)

	svc, err := servicedesc.NewService(servicedesc.ServiceConfig{Store: servicedesc.NewStore(pool), Logger: logger})
	if err != nil {
		return err
	}
	created, err := svc.Create(ctx, servicedesc.CreateInput{ClientID: clientID, PeriodStart: start, PeriodEnd: end})
	if err != nil {
		return fmt.Errorf("create description: %w", err)
	}
	descriptionID := created.Record.Description.ID

	topics := map[string]billing.Topic{}
	order := 0
	for _, e := range demoEntries {
		entryID := uuid.New()
		workDate := start.AddDate(0, 0, e.Day-1)
		var topic *string
		if e.Topic != "" {
			topic = &e.Topic
		}
		if _, err := pool.Exec(ctx, `INSERT INTO time_entries (id, employee_id, employee_name, client_id, topic, work_date, hours, description)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, entryID, employeeID, "Demo Associate", clientID, topic, workDate, e.Hours, e.Note); err != nil {
			return fmt.Errorf("insert time entry: %w", err)
		}
		if e.Topic == "" {
			continue
		}
		t, ok := topics[e.Topic]
		if !ok {
			t, err = svc.AddTopic(ctx, descriptionID, servicedesc.TopicInput{
				Name:         e.Topic,
				DisplayOrder: order,
				PricingMode:  billing.PricingHourly,
				HourlyRate:   decimal.NewNullDecimal(decimal.RequireFromString("180")),
			})
			if err != nil {
				return fmt.Errorf("add topic: %w", err)
			}
			topics[e.Topic] = t
			order++
		}
		if _, err := svc.AddLineItem(ctx, descriptionID, t.ID, servicedesc.LineItemInput{
			TimeEntryID: &entryID,
			Date:        workDate,
			Description: e.Note,
			Hours:       decimal.NewNullDecimal(decimal.RequireFromString(e.Hours)),
		}); err != nil {
			return fmt.Errorf("add line item: %w", err)
		}
	}

	preview, err := svc.Preview(ctx, descriptionID)
	if err != nil {
		return err
	}
	logger.Info().
		Str("description_id", descriptionID.String()).
		Str("client_id", clientID.String()).
		Str("total", preview.Result.Total.StringFixed(2)).
		Msg("demo data seeded")
	return nil
}
