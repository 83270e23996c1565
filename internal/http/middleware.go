package http

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/idempotency"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
	"github.com/robertarktes/court-slot-reservations/internal/rateLimit"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	sessionKey
)

// Session is what the upstream auth layer tells us about the caller.
type Session struct {
	ID     string
	UserID string
	Actor  domain.Actor
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			entry := logger.WithField("request_id", reqID)
			ctx := context.WithValue(r.Context(), loggerKey, entry)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
			entry.WithFields(map[string]interface{}{
				"method":   r.Method,
				"route":    route,
				"status":   status,
				"duration": time.Since(start).String(),
			}).Debug("request served")
		})
	}
}

func loggerFrom(ctx context.Context, fallback observability.Logger) observability.Logger {
	if l, ok := ctx.Value(loggerKey).(observability.Logger); ok {
		return l
	}
	return fallback
}

// SessionMiddleware reads the caller identity forwarded by the gateway.
// A missing role means customer.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := Session{
			ID:     r.Header.Get("X-Session-ID"),
			UserID: r.Header.Get("X-User-ID"),
			Actor:  domain.ActorCustomer,
		}
		if role := r.Header.Get("X-Actor-Role"); role != "" {
			actor, err := domain.ParseActor(role)
			if err != nil {
				writeError(w, r, nil, err)
				return
			}
			s.Actor = actor
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, s)))
	})
}

func sessionFrom(ctx context.Context) Session {
	s, _ := ctx.Value(sessionKey).(Session)
	return s
}

// recorder keeps a copy of the response so it can be replayed.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first response of a POST retried with the
// same Idempotency-Key. Requests without the header run normally. Server
// errors are not stored so the client may retry them.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if idemp == nil || r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) < 16 || len(key) > 128 {
				writeError(w, r, logger, errors.Wrap(domain.ErrInvalidInput, "invalid Idempotency-Key"))
				return
			}
			scoped := sessionFrom(r.Context()).UserID + ":" + r.URL.Path + ":" + key

			existing, err := idemp.Begin(r.Context(), scoped)
			switch {
			case errors.Is(err, idempotency.ErrInFlight):
				writeJSON(w, http.StatusConflict, errorBody{Error: "request with this Idempotency-Key is still in progress"})
				return
			case err != nil:
				loggerFrom(r.Context(), logger).WithError(err).Warn("idempotency store unavailable, serving without replay")
				next.ServeHTTP(w, r)
				return
			case existing != nil:
				if existing.ContentType != "" {
					w.Header().Set("Content-Type", existing.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(existing.Status)
				w.Write(existing.Result)
				return
			}

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// The request context may already be cancelled.
			ctx := context.WithoutCancel(r.Context())
			if rec.status >= http.StatusInternalServerError || rec.status == 0 {
				if err := idemp.Abandon(ctx, scoped); err != nil {
					loggerFrom(r.Context(), logger).WithError(err).Warn("idempotency abandon failed")
				}
				return
			}
			err = idemp.Set(ctx, scoped, idempotency.Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Result:      rec.body.Bytes(),
			})
			if err != nil {
				loggerFrom(r.Context(), logger).WithError(err).Warn("idempotency store failed")
			}
		})
	}
}

func RateLimitMiddleware(rl *rateLimit.RateLimiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if userID := sessionFrom(r.Context()).UserID; userID != "" && !rl.Allow(r.Context(), "user:"+userID, 30, time.Minute) {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
				return
			}
			if !rl.Allow(r.Context(), "ip:"+ip, 300, time.Minute) {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TracingMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
