package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type quotaKey struct{}

// QuotaInfo is the per-service quota state reported to clients.
type QuotaInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type quotaHolder struct {
	mu   sync.Mutex
	info *QuotaInfo
}

// SetQuota records quota info for QuotaHeaders to write. No-op if the
// middleware isn't present.
func SetQuota(ctx context.Context, info QuotaInfo) {
	if h, ok := ctx.Value(quotaKey{}).(*quotaHolder); ok {
		h.mu.Lock()
		h.info = &info
		h.mu.Unlock()
	}
}

// GetQuota returns the quota recorded for the request, or nil.
func GetQuota(ctx context.Context) *QuotaInfo {
	h, ok := ctx.Value(quotaKey{}).(*quotaHolder)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// QuotaHeaders writes X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset (unix seconds) before the response header is sent.
func QuotaHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holder := &quotaHolder{}
		ctx := context.WithValue(r.Context(), quotaKey{}, holder)
		r = r.WithContext(ctx)

		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.beforeWrite = func() {
			holder.mu.Lock()
			info := holder.info
			holder.mu.Unlock()
			writeQuotaHeaders(w.Header(), info)
		}
		next.ServeHTTP(wrapped, r)
	})
}

func writeQuotaHeaders(h http.Header, info *QuotaInfo) {
	if info == nil || info.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	if !info.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
	}
}
