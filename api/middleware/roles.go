package middleware

import (
	"net/http"

	"github.com/angelmondragon/immsbatch/api/responses"
	pkgAuth "github.com/angelmondragon/immsbatch/pkg/auth"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

// RequireRole lets the request through when the caller's role covers role.
// It must run after Auth; requests without a principal get 401.
func RequireRole(role pkgAuth.Role, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			switch {
			case !ok:
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required"))
			case !principal.Role.Allows(role):
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, string(role)+" role required"))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
