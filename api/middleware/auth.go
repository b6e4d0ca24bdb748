package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/immsbatch/api/responses"
	pkgAuth "github.com/angelmondragon/immsbatch/pkg/auth"
	"github.com/angelmondragon/immsbatch/pkg/config"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

const bearerScheme = "bearer"

// Auth validates the bearer token and stores the caller as a Principal.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, r, logg, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing bearer token"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				unauthorized(w, r, logg, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{
				Subject: claims.Subject,
				Role:    claims.Role,
				TokenID: claims.ID,
			})
			if logg != nil {
				ctx = logg.WithFields(ctx, map[string]any{
					"subject":    claims.Subject,
					"actor_role": string(claims.Role),
					"token_id":   claims.ID,
				})
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, r *http.Request, logg *logger.Logger, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="immsbatch-ops"`)
	responses.WriteError(r.Context(), logg, w, err)
}
