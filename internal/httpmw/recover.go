package httpmw

import (
	"net/http"

	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, if set,
// runs after logging. http.ErrAbortHandler is re-panicked so net/http can
// abort the connection as intended.
func Recover(base log.Logger, onPanic func()) Middleware {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %v", v)
				}
				ctx := r.Context()
				base.With("http.request.method", r.Method, "url.path", r.URL.Path).
					Error(ctx, err, "panic recovered", "request_id", RequestIDFromContext(ctx))
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
