package auth

import "context"

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject  string   `json:"sub"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles"`
	Tier     string   `json:"subscription_tier"`
}

// HasRole reports whether p holds role. Admins hold every role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func UserIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Subject
}

func RolesFromContext(ctx context.Context) []string {
	p, _ := PrincipalFromContext(ctx)
	return p.Roles
}

func TierFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Tier
}
