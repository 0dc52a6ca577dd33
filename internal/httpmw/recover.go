package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/routestream/internal/log"
	"github.com/keithlinneman/routestream/internal/xerrors"
)

// Recover converts handler panics into 500 responses. onPanic (may be
// nil) runs after logging, used to bump the panic counter metric.
//
// http.ErrAbortHandler is re-raised so net/http can abort the
// connection the way the handler asked for.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
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
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				logger.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"stack", string(debug.Stack()),
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
