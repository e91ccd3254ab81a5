package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/angelmondragon/novamart-backend/api/responses"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

// Recoverer turns a handler panic into a 500 envelope. http.ErrAbortHandler
// is re-raised so net/http can drop the connection quietly.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := wrapRecorder(w)
			defer func() {
				recovered := recover()
				if recovered == nil {
					return
				}
				if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(recovered)
				}

				ctx := r.Context()
				err := fmt.Errorf("panic: %v", recovered)
				if logg != nil {
					ctx = logg.WithFields(ctx, map[string]any{
						"panic_stack": string(debug.Stack()),
						"route":       routePattern(r),
					})
					logg.Error(ctx, "handler panicked", err)
				}
				if rec.wroteHeader {
					// status already on the wire
					return
				}
				responses.WriteError(ctx, nil, rec, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "internal error"))
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
