package common

import "context"

type ctxKey string

const (
	subjectKey ctxKey = "auth/subject"
	scopesKey  ctxKey = "auth/scopes"
)

// WithSubject stores the authenticated principal (an API client id) on the context.
func WithSubject(ctx context.Context, subject string, scopes []string) context.Context {
	ctx = context.WithValue(ctx, subjectKey, subject)
	return context.WithValue(ctx, scopesKey, scopes)
}

// Subject extracts the authenticated principal from the context if present.
func Subject(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(subjectKey).(string)
	return id, ok && id != ""
}

// HasScope reports whether the authenticated principal was granted scope.
func HasScope(ctx context.Context, scope string) bool {
	scopes, _ := ctx.Value(scopesKey).([]string)
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
