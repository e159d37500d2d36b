package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/notification-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/notification-dispatch/internal/pkg/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// CorrelationHeader carries the correlation id across services.
const CorrelationHeader = "X-Correlation-ID"

type contextKey string

const clientIDKey contextKey = "client_id"

// ErrInvalidToken is returned for tokens that fail validation.
var ErrInvalidToken = errors.New("invalid token")

// TokenValidator validates a bearer token and returns the client id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (clientID string, err error)
}

// JWTValidator validates HS256 tokens whose subject is the client id.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator. An empty issuer skips the issuer check.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// ValidateToken implements TokenValidator.
func (v *JWTValidator) ValidateToken(_ context.Context, tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for clientID. Used by tooling and tests.
func (v *JWTValidator) IssueToken(clientID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   clientID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ClientAuthMiddleware requires a valid bearer token and stores the client id.
func ClientAuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				Error(w, http.StatusUnauthorized, KindUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				Error(w, http.StatusUnauthorized, KindUnauthorized, "invalid authorization header format")
				return
			}

			clientID, err := validator.ValidateToken(r.Context(), parts[1])
			if err != nil {
				ctxlog.FromContext(r.Context()).Debug("client token rejected", "error", err)
				Error(w, http.StatusUnauthorized, KindUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), clientIDKey, clientID)
			ctx = ctxlog.With(ctx, "client_id", clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientID extracts the authenticated client id from context.
func ClientID(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey).(string); ok {
		return id
	}
	return ""
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows rps requests per second per client with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Allow reports whether key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.limiter(key).Allow()
}

// Middleware answers 429 once a client exhausts its bucket. Clients are
// keyed by authenticated client id, falling back to the remote address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientID(r.Context())
		if key == "" {
			key = remoteHost(r.RemoteAddr)
		}
		if !rl.Allow(key) {
			metrics.HTTPRateLimited.WithLabelValues(ClientID(r.Context())).Inc()
			w.Header().Set("Retry-After", "1")
			Error(w, http.StatusTooManyRequests, KindRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CorrelationMiddleware propagates X-Correlation-ID into the context and
// echoes it in the response. Handlers call EnsureCorrelationID for requests
// without the header.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(CorrelationHeader))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(ctxlog.WithCorrelationID(r.Context(), id)))
	})
}

// EnsureCorrelationID returns the context correlation id, else fallback,
// else a generated uuid. The chosen id is stored in ctx and echoed in w.
func EnsureCorrelationID(ctx context.Context, w http.ResponseWriter, fallback string) (context.Context, string) {
	if id := ctxlog.CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := strings.TrimSpace(fallback)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(CorrelationHeader, id)
	return ctxlog.WithCorrelationID(ctx, id), id
}

func remoteHost(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
