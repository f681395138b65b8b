package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/backend-lexbill/internal/common"
)

const (
	defaultAccessTTL = 15 * time.Minute

	// ScopeBillingRead allows reading service descriptions and previews.
	ScopeBillingRead = "billing:read"
	// ScopeBillingWrite allows editing and finalizing service descriptions.
	ScopeBillingWrite = "billing:write"
	// ScopeReportsRead allows reading time reports.
	ScopeReportsRead = "reports:read"

	scopeClaim = "scope"
)

// ErrClientNotFound is returned by ClientStore implementations for unknown client ids.
var ErrClientNotFound = errors.New("auth: client not found")

// Client is a registered API client allowed to use the client-credentials grant.
type Client struct {
	ID         string
	Name       string
	SecretHash string
	Scopes     []string
	Disabled   bool
}

// ClientStore looks up API clients.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (Client, error)
}

// Claims is the verified subset of an access token.
type Claims struct {
	Subject string
	Scopes  []string
}

// TokenResult is returned by a successful token grant.
type TokenResult struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scope       string    `json:"scope"`
}

// Service issues and verifies access tokens for API clients.
type Service struct {
	clients   ClientStore
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
	signer    jwa.SignatureAlgorithm
	validator TokenValidator
	issuer    string
	audience  string
	clockSkew time.Duration
}

// Config configures the auth service.
type Config struct {
	Clients        ClientStore
	Secret         string
	AccessTokenTTL time.Duration
	Issuer         string
	Audience       string
	ClockSkew      time.Duration
}

// NewService validates cfg and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Clients == nil {
		return nil, errors.New("auth: client store is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "backend-lexbill"
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = "lexbill-clients"
	}
	clockSkew := cfg.ClockSkew
	if clockSkew < 0 {
		clockSkew = 0
	}

	return &Service{
		clients:   cfg.Clients,
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       time.Now,
		signer:    jwa.HS256,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: clockSkew,
			Algorithm: jwa.HS256,
		},
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
	}, nil
}

// WithNow allows tests to override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// IssueToken runs the client-credentials grant. An empty requestedScope grants every
// scope registered for the client.
func (s *Service) IssueToken(ctx context.Context, clientID, clientSecret, requestedScope string) (TokenResult, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || clientSecret == "" {
		return TokenResult{}, common.NewAppError("INVALID_CLIENT", "client_id and client_secret are required", http.StatusUnauthorized, nil)
	}
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return TokenResult{}, invalidClient(nil)
		}
		return TokenResult{}, fmt.Errorf("get client: %w", err)
	}
	if client.Disabled {
		return TokenResult{}, invalidClient(errors.New("client disabled"))
	}
	ok, err := argon2id.ComparePasswordAndHash(clientSecret, client.SecretHash)
	if err != nil {
		return TokenResult{}, fmt.Errorf("compare secret: %w", err)
	}
	if !ok {
		return TokenResult{}, invalidClient(nil)
	}

	scopes, err := grantScopes(client.Scopes, requestedScope)
	if err != nil {
		return TokenResult{}, err
	}

	signed, expiresAt, err := s.signAccessToken(client.ID, scopes)
	if err != nil {
		return TokenResult{}, fmt.Errorf("sign token: %w", err)
	}
	return TokenResult{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTTL / time.Second),
		ExpiresAt:   expiresAt,
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// ParseAccessToken validates an access token and returns its subject and scopes.
func (s *Service) ParseAccessToken(token string) (Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Claims{}, unauthorized("missing token", nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if s.validator.Algorithm != "" && algorithm != s.validator.Algorithm {
		return Claims{}, unauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret), jwt.WithValidate(false))
	if err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	if err := s.validator.Validate(parsed, algorithm, s.now()); err != nil {
		return Claims{}, unauthorized("invalid token", err)
	}
	claims := Claims{Subject: parsed.Subject()}
	if raw, ok := parsed.Get(scopeClaim); ok {
		if str, ok := raw.(string); ok {
			claims.Scopes = strings.Fields(str)
		}
	}
	return claims, nil
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

func (s *Service) signAccessToken(subject string, scopes []string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	token, err := jwt.NewBuilder().
		Subject(subject).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.clockSkew)).
		Expiration(expiresAt).
		Claim(scopeClaim, strings.Join(scopes, " ")).
		Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.signer, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

// grantScopes narrows the client's registered scopes to the requested ones.
func grantScopes(registered []string, requested string) ([]string, error) {
	fields := strings.Fields(requested)
	if len(fields) == 0 {
		return append([]string(nil), registered...), nil
	}
	allowed := make(map[string]struct{}, len(registered))
	for _, s := range registered {
		allowed[s] = struct{}{}
	}
	granted := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := allowed[f]; !ok {
			return nil, common.NewAppError("INVALID_SCOPE", "requested scope is not allowed for this client", http.StatusBadRequest, nil).
				WithDetails(map[string]string{"scope": f})
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		granted = append(granted, f)
	}
	return granted, nil
}

func invalidClient(err error) error {
	return common.NewAppError("INVALID_CLIENT", "invalid client credentials", http.StatusUnauthorized, err)
}

func unauthorized(message string, err error) error {
	return common.NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, err)
}
