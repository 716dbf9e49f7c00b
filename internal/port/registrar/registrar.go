// Package registrar defines the domain registrar port (interface).
package registrar

import "context"

// Availability is the result of a single domain availability check.
type Availability struct {
	Domain    string  `json:"domain"`
	Available bool    `json:"available"`
	PriceUSD  float64 `json:"price_usd,omitempty"`
}

// DNSRecord is one record to create in the registered zone.
type DNSRecord struct {
	Type    string `json:"type"` // "A", "CNAME"
	Name    string `json:"name"` // e.g. "photos", "minio.photos", "auth"
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
}

// Registrar is the port interface for domain registration.
//
// Register and ConfigureDNS must be idempotent: registering a domain the
// caller already owns, or re-creating an identical record, succeeds without
// side effects.
type Registrar interface {
	// CheckAvailability queries whether one domain can be registered.
	CheckAvailability(ctx context.Context, domain string) (Availability, error)

	// Register purchases the domain for the tenant.
	Register(ctx context.Context, domain string) error

	// Release returns a registered domain (compensation for Register).
	Release(ctx context.Context, domain string) error

	// ConfigureDNS creates the given records in the domain's zone.
	ConfigureDNS(ctx context.Context, domain string, records []DNSRecord) error

	// RemoveDNS deletes previously configured records.
	RemoveDNS(ctx context.Context, domain string, records []DNSRecord) error
}
