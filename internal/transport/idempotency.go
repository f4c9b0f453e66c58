package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/idempotency"
	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/model"
)

// IdempotencyKeyHeader carries the client's retry key.
const IdempotencyKeyHeader = "X-Idempotency-Key"

const maxIdempotencyKeyLen = 128

// Idempotent returns middleware that replays the recorded response when a
// request is retried with the same X-Idempotency-Key by the same actor.
// Requests without the header pass through. The key is reserved before the
// handler runs, so a concurrent duplicate gets CONFLICT instead of running the
// action twice. Only responses below 500 are recorded; otherwise the key is
// released and the request can be retried.
func Idempotent(store idempotency.Store, ttl time.Duration, action string, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > maxIdempotencyKeyLen {
				writeRequestError(w, r, model.NewBadRequestError("idempotency key too long"))
				return
			}
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				writeRequestError(w, r, model.NewUnauthorizedError("missing request context"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				writeRequestError(w, r, model.NewBadRequestError("unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := idempotency.FormatKey(action, rctx.SubjectID, clientKey)
			hash := idempotency.HashInput([]byte(r.URL.Path), body)
			logger := observability.LoggerFrom(r.Context(), zap.NewNop())

			cached, found, err := store.Reserve(r.Context(), key, hash, ttl)
			if err != nil {
				writeRequestError(w, r, err)
				return
			}
			if found {
				metrics.RecordIdempotentReplay(action)
				logger.Debug("replaying idempotent response", zap.String("action", action))
				w.Header().Set("X-Idempotent-Replay", "true")
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			// This request owns the key until it saves a response or gives
			// the key back, including when the handler panics.
			storeCtx := context.WithoutCancel(r.Context())
			saved := false
			defer func() {
				if saved {
					return
				}
				if err := store.Release(storeCtx, key); err != nil {
					logger.Warn("failed to release idempotency key", zap.String("action", action), zap.Error(err))
				}
			}()

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			resp := idempotency.Response{Status: rec.status, Body: rec.body.Bytes()}
			if err := store.Save(storeCtx, key, hash, resp, ttl); err != nil {
				logger.Warn("failed to record idempotent response", zap.String("action", action), zap.Error(err))
				return
			}
			saved = true
		})
	}
}

// recordingWriter tees the response so it can be stored.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
