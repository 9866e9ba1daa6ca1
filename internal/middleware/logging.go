package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/togglr/internal/logging"
)

// RequestIDHeader carries the request id on HTTP requests and responses and
// as gRPC metadata (lower-cased).
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

type requestIDContextKey struct{}

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDContextKey{}).(string)
	return id, ok
}

// requestID keeps a short, printable caller-supplied id and otherwise mints
// a UUID.
func requestID(inbound string) string {
	inbound = strings.TrimSpace(inbound)
	if inbound == "" || len(inbound) > maxRequestIDLength {
		return uuid.NewString()
	}
	for _, r := range inbound {
		if r < 0x21 || r > 0x7e {
			return uuid.NewString()
		}
	}
	return inbound
}

// withRequestScope stores the request id and a logger tagged with it in ctx.
func withRequestScope(ctx context.Context, logger *slog.Logger, reqID string) (context.Context, *slog.Logger) {
	reqLogger := logger.With(slog.String("request_id", reqID))
	ctx = context.WithValue(ctx, requestIDContextKey{}, reqID)
	return logging.WithContext(ctx, reqLogger), reqLogger
}

func httpLevel(statusCode int) slog.Level {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return slog.LevelError
	case statusCode >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func grpcLevel(code codes.Code) slog.Level {
	switch code {
	case codes.OK, codes.Canceled:
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.Unavailable, codes.DataLoss:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	bytes      int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Unwrap supports http.ResponseController, which the SSE stream uses to flush.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPRequestLogging returns middleware that assigns each request an id,
// echoes it in the X-Request-ID response header, and logs one line per
// request once it completes. 4xx responses log at warn, 5xx at error.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := requestID(r.Header.Get(RequestIDHeader))
			ctx, reqLogger := withRequestScope(r.Context(), logger, reqID)
			w.Header().Set(RequestIDHeader, reqID)

			reqLogger.DebugContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			reqLogger.Log(ctx, httpLevel(wrapped.statusCode), "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				slog.Int64("bytes", wrapped.bytes),
				slog.Float64("duration_ms", durationMS(time.Since(start))),
			)
		})
	}
}

func grpcRequestID(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if values := md.Get(strings.ToLower(RequestIDHeader)); len(values) > 0 {
		return requestID(values[0])
	}
	return requestID("")
}

// UnaryRequestLoggingInterceptor returns a gRPC unary server interceptor that
// logs each call with its request id, method, status code, and duration.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, reqLogger := withRequestScope(ctx, logger, grpcRequestID(ctx))

		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		reqLogger.Log(ctx, grpcLevel(code), "request completed",
			slog.String("method", info.FullMethod),
			slog.Int("status_code", int(code)),
			slog.Float64("duration_ms", durationMS(time.Since(start))),
		)

		return resp, err
	}
}

// StreamRequestLoggingInterceptor is the streaming counterpart of
// UnaryRequestLoggingInterceptor. Watch streams are long lived, so the start
// is logged too and the completion line carries the full stream lifetime.
func StreamRequestLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, reqLogger := withRequestScope(ss.Context(), logger, grpcRequestID(ss.Context()))

		reqLogger.InfoContext(ctx, "stream started", slog.String("method", info.FullMethod))

		start := time.Now()
		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})

		code := status.Code(err)
		reqLogger.Log(ctx, grpcLevel(code), "stream completed",
			slog.String("method", info.FullMethod),
			slog.Int("status_code", int(code)),
			slog.Float64("duration_ms", durationMS(time.Since(start))),
		)

		return err
	}
}
