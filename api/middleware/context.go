package middleware

import (
	"context"

	pkgAuth "github.com/angelmondragon/immsbatch/pkg/auth"
)

// Principal is the authenticated caller of an ops route.
type Principal struct {
	Subject string
	Role    pkgAuth.Role
	TokenID string
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller set by Auth, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// SubjectFromContext returns the authenticated operator identity recorded on
// ledger releases.
func SubjectFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Subject
}

func RoleFromContext(ctx context.Context) pkgAuth.Role {
	p, _ := PrincipalFromContext(ctx)
	return p.Role
}
