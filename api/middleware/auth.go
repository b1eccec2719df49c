package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/packfinderz-donations/api/responses"
	pkgAuth "github.com/angelmondragon/packfinderz-donations/pkg/auth"
	"github.com/angelmondragon/packfinderz-donations/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-donations/pkg/errors"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
)

// DonorAuth resolves the donor from a bearer token. Requests without an
// Authorization header continue as guests; a present but invalid token is rejected.
func DonorAuth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithDonorID(r.Context(), claims.UserID)
			if logg != nil {
				ctx = logg.WithField(ctx, "donor_id", claims.UserID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
