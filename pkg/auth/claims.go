package auth

import "github.com/golang-jwt/jwt/v5"

// Role grants access to a class of ops endpoints.
type Role string

const (
	// RoleViewer may read ledger state.
	RoleViewer Role = "viewer"
	// RoleOperator may also release Failed files.
	RoleOperator Role = "operator"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleViewer || r == RoleOperator
}

// Allows reports whether r satisfies a route requiring required.
func (r Role) Allows(required Role) bool {
	if r == RoleOperator {
		return r.IsValid()
	}
	return r == required
}

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	Subject string
	Role    Role
	JTI     string
}

// AccessTokenClaims represents the typed JWT presented to the ops API.
type AccessTokenClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}
