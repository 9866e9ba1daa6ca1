package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/togglr/internal/logging"
)

const (
	authErrorCodeUnauthorized = "unauthorized"
	authErrorCodeRateLimited  = "rate_limited"

	rateLimitedMessage = "too many failed auth attempts"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
	errNilTokenValidator          = errors.New("token validator is nil")
)

// TokenValidator validates a bearer token and returns the id of the API key
// it belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// blocked reports whether ip is already over its failure budget. Blocked
// callers are rejected before the validator runs.
func (c authConfig) blocked(ip string) bool {
	if c.rateLimiter == nil || ip == "" || !c.rateLimiter.Blocked(ip) {
		return false
	}
	if c.onFailure != nil {
		c.onFailure()
	}
	return true
}

// failed records a failure and reports whether the caller is still under the
// failure limit.
func (c authConfig) failed(ip string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || ip == "" {
		return true
	}
	return c.rateLimiter.RecordFailureAndAllow(ip)
}

// retryAfter is the Retry-After value for a throttled ip, in whole seconds.
func (c authConfig) retryAfter(ip string) int {
	if c.rateLimiter == nil {
		return 1
	}
	wait := c.rateLimiter.RetryAfter(ip)
	return max(1, int((wait+time.Second-1)/time.Second))
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
// Rejections use the API's JSON error envelope.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractIP(r.RemoteAddr)
			if cfg.blocked(ip) {
				writeHTTPRateLimited(w, cfg.retryAfter(ip))
				return
			}
			keyID, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				logAuthFailure(r.Context(), ip, err)
				if !cfg.failed(ip) {
					writeHTTPRateLimited(w, cfg.retryAfter(ip))
					return
				}
				writeHTTPUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithAPIKeyID(r.Context(), keyID)))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ip := extractGRPCPeerIP(ctx)
		if cfg.blocked(ip) {
			return nil, status.Error(codes.ResourceExhausted, rateLimitedMessage)
		}
		keyID, err := authorizeGRPC(ctx, validator)
		if err != nil {
			logAuthFailure(ctx, ip, err)
			if !cfg.failed(ip) {
				return nil, status.Error(codes.ResourceExhausted, rateLimitedMessage)
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(NewContextWithAPIKeyID(ctx, keyID), req)
	}
}

// StreamBearerAuthInterceptor enforces bearer-token auth for streaming gRPC requests.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		ip := extractGRPCPeerIP(ctx)
		if cfg.blocked(ip) {
			return status.Error(codes.ResourceExhausted, rateLimitedMessage)
		}
		keyID, err := authorizeGRPC(ctx, validator)
		if err != nil {
			logAuthFailure(ctx, ip, err)
			if !cfg.failed(ip) {
				return status.Error(codes.ResourceExhausted, rateLimitedMessage)
			}
			return status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          NewContextWithAPIKeyID(ctx, keyID),
		})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const apiKeyIDKey contextKey = "api_key_id"

// APIKeyIDFromContext retrieves the authenticated API key id.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

// NewContextWithAPIKeyID returns a copy of ctx carrying keyID.
func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errNilTokenValidator
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	return validateToken(ctx, validator, token)
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errNilTokenValidator
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return "", errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		if keyID, err := validateToken(ctx, validator, token); err == nil {
			return keyID, nil
		}
	}

	return "", errInvalidAuthorizationHeader
}

func validateToken(ctx context.Context, validator TokenValidator, token string) (string, error) {
	keyID, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(keyID) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return keyID, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

// logAuthFailure records why a request was rejected. Callers only see a
// generic 401.
func logAuthFailure(ctx context.Context, ip string, err error) {
	logging.FromContext(ctx).DebugContext(ctx, "authentication failed",
		slog.String("client_ip", ip),
		slog.Any("error", err),
	)
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeHTTPAuthError(w, http.StatusUnauthorized, authErrorCodeUnauthorized, "unauthorized")
}

func writeHTTPRateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeHTTPAuthError(w, http.StatusTooManyRequests, authErrorCodeRateLimited, rateLimitedMessage)
}

func writeHTTPAuthError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}{Error: message, Code: code})
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
