package gateway

import "github.com/tradefabric/tradefabric/internal/pubsub"

// ACL maps a role to the channel patterns it may subscribe to.
type ACL struct {
	roles map[string][]string
}

// NewACL builds the ACL from the role -> patterns table.
func NewACL(roles map[string][]string) *ACL {
	return &ACL{roles: roles}
}

// Allowed reports whether role may subscribe to the requested channel or
// pattern. The request string is matched against each allowed pattern, so a
// role holding "market:*" covers both "market:tick:NIFTY" and the pattern
// request "market:tick:*".
func (a *ACL) Allowed(role, requested string) bool {
	for _, pattern := range a.roles[role] {
		if pattern == "*" || pubsub.GlobMatch(pattern, requested) {
			return true
		}
	}
	return false
}

// Roles lists the configured role names.
func (a *ACL) Roles() []string {
	out := make([]string, 0, len(a.roles))
	for role := range a.roles {
		out = append(out, role)
	}
	return out
}
