package middleware

import (
	"net/http"
	"strconv"

	"github.com/bytebrushstudios/byteproxy/internal/admission"
	"github.com/bytebrushstudios/byteproxy/internal/api/render"
	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

// PressureChecker reports the first tripped pressure metric, or nil.
type PressureChecker interface {
	CheckPressure() *admission.Verdict
}

// Admission rejects requests with 503 while checker reports pressure.
// retryAfter seconds are advertised when positive; onShed, if set, is called
// with the tripped metric.
func Admission(checker PressureChecker, retryAfter int, onShed func(metric string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v := checker.CheckPressure()
			if v == nil {
				next.ServeHTTP(w, r)
				return
			}

			if onShed != nil {
				onShed(string(v.Type))
			}
			err := domain.ErrUnderPressure(string(v.Type), v.Value)
			AddLogField(r.Context(), "pressure", string(v.Type))
			AddError(r.Context(), err)
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			}
			render.Error(w, err)
		})
	}
}
