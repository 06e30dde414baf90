package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tasquencer/internal/idempotency"
	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/model"
)

// IdempotencyHeader carries the caller-chosen deduplication key.
const IdempotencyHeader = "X-Idempotency-Key"

const maxIdempotencyKeyLen = 128

// Idempotent replays the stored response when a mutation is retried with
// the same X-Idempotency-Key and body. Reusing a key with a different body
// is a CONFLICT. Requests without the header pass through untouched, and
// 5xx responses are never stored so the caller can retry them.
func Idempotent(store idempotency.Store, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				WriteError(w, model.NewBadRequestError("idempotency key too long"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				WriteError(w, model.NewBadRequestError("unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			subject := ""
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				subject = rctx.SubjectID
			}
			storeKey := idempotency.FormatKey(subject, r.URL.Path, key)
			hash := idempotency.HashInput([]byte(r.Method), body)

			log := observability.RequestLogger(r.Context(), logger)
			prev, found, err := store.Check(r.Context(), storeKey, hash)
			if err != nil {
				if found {
					WriteError(w, err)
					return
				}
				log.Warn("idempotency lookup failed", zap.Error(err))
			}
			if found && prev != nil {
				metrics.RecordIdempotencyReplay()
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(prev.Status)
				_, _ = w.Write(prev.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusInternalServerError {
				return
			}
			resp := idempotency.Response{Status: rec.status}
			if b := bytes.TrimSpace(rec.buf.Bytes()); len(b) > 0 {
				resp.Body = b
			}
			if err := store.Save(r.Context(), storeKey, hash, resp, ttl); err != nil {
				log.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
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
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}
