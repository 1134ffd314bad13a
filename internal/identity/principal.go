package identity

// Role labels carried in access-token claims.
const (
	RoleCustomer = "customer"
	RoleAuditor  = "auditor"
	RoleService  = "service"
)

// Principal is the authenticated caller as asserted by the identity provider.
type Principal struct {
	Subject string
	Email   string
	Roles   []string
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
