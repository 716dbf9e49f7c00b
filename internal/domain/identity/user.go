// Package identity defines the user context consumed by the policy gate.
// The data is owned by an external identity/quota source and loaded per
// request; this core only reads it.
package identity

// Quota holds per-resource ceilings for a tenant.
type Quota struct {
	CPU       float64 `json:"cpu"`        // cores
	MemoryGB  float64 `json:"memory_gb"`  // GiB
	StorageGB float64 `json:"storage_gb"` // GiB
}

// Usage mirrors Quota for current allocations.
type Usage = Quota

// UserContext carries the requesting user's identity, group memberships and
// resource ceilings for one request.
type UserContext struct {
	Username      string   `json:"username"`
	Groups        []string `json:"groups"`
	Team          string   `json:"team"`
	TenantID      string   `json:"tenant_id"`
	Quota         Quota    `json:"quota"`
	MonthlyBudget float64  `json:"monthly_budget"` // USD
}

// InGroup reports whether the user belongs to any of the given groups.
func (u *UserContext) InGroup(groups ...string) bool {
	for _, g := range groups {
		for _, mine := range u.Groups {
			if g == mine {
				return true
			}
		}
	}
	return false
}
