package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/suhlabs/provisioner/internal/domain"
)

const sampleUsers = `
users:
  suh:
    groups: [developers]
    team: platform
    tenant_id: tenant-1
    cpu: 10
    memory_gb: 20
    storage_gb: 200
    monthly_budget: 1000
  guest:
    groups: [users]
    monthly_budget: 0
`

func writeUsers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write users file: %v", err)
	}
	return path
}

func TestLookup(t *testing.T) {
	p, err := Load(writeUsers(t, sampleUsers))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	u, err := p.Lookup(context.Background(), "suh")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.TenantID != "tenant-1" {
		t.Errorf("tenant = %q, want tenant-1", u.TenantID)
	}
	if u.Quota.CPU != 10 || u.Quota.StorageGB != 200 {
		t.Errorf("quota = %+v", u.Quota)
	}
	if !u.InGroup("developers") {
		t.Error("suh should be in developers")
	}

	// Mutating the returned context must not leak into the directory.
	u.Groups[0] = "admins"
	again, _ := p.Lookup(context.Background(), "suh")
	if again.Groups[0] != "developers" {
		t.Error("lookup result shares group slice with the directory")
	}
}

func TestLookupUnknownUser(t *testing.T) {
	p, err := Load(writeUsers(t, sampleUsers))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err = p.Lookup(context.Background(), "nobody")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	if _, err := Load(writeUsers(t, "users: [not a map")); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
