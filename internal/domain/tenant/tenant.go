// Package tenant defines the provisioned tenant record and its storage
// usage report.
package tenant

import "time"

// Tenant is one provisioned photo-service tenant.
type Tenant struct {
	ID           string    `json:"id"`
	FamilyName   string    `json:"family_name"`
	Domain       string    `json:"domain"`
	AdminEmail   string    `json:"admin_email"`
	Namespace    string    `json:"namespace"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// StorageReport summarizes disk consumption for one tenant.
type StorageReport struct {
	TenantID    string    `json:"tenant_id"`
	UsedBytes   int64     `json:"used_bytes"`
	QuotaBytes  int64     `json:"quota_bytes"`
	ObjectCount int64     `json:"object_count"`
	CollectedAt time.Time `json:"collected_at"`
}

// PercentUsed returns used/quota as a percentage, 0 when no quota is set.
func (r *StorageReport) PercentUsed() float64 {
	if r.QuotaBytes <= 0 {
		return 0
	}
	return float64(r.UsedBytes) / float64(r.QuotaBytes) * 100
}
