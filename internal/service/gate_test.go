package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/suhlabs/provisioner/internal/adapter/memory"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/domain/intent"
)

func testUser() *identity.UserContext {
	return &identity.UserContext{
		Username:      "suh",
		Groups:        []string{"developers"},
		TenantID:      "tenant-1",
		Quota:         identity.Quota{CPU: 8, MemoryGB: 16, StorageGB: 200},
		MonthlyBudget: 100,
	}
}

func TestGatePermissionDenied(t *testing.T) {
	g := NewGate(memory.NewStore(), discard())
	user := testUser()
	user.Groups = []string{"users"}

	_, err := g.Check(context.Background(), user, intent.Intent{Type: intent.TypeProvisionTenant})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestGateQuotaExceededShortCircuitsBudget(t *testing.T) {
	store := memory.NewStore()
	// Fill the tenant's storage nearly to quota.
	if err := store.ReserveQuota(context.Background(), "tenant-1", identity.Usage{StorageGB: 190}, 0); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	g := NewGate(store, discard())

	user := testUser()
	// Would also trip the budget confirmation, but quota is checked first.
	user.MonthlyBudget = 1

	_, err := g.Check(context.Background(), user, intent.Intent{Type: intent.TypeProvisionTenant})
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestGateQuotaDenialReportsRemaining(t *testing.T) {
	store := memory.NewStore()
	if err := store.ReserveQuota(context.Background(), "tenant-1", identity.Usage{StorageGB: 190}, 0); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	g := NewGate(store, discard())

	// provision_tenant wants 50 GB of storage; only 10 GB is left.
	d, err := g.Check(context.Background(), testUser(), intent.Intent{Type: intent.TypeProvisionTenant})
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	want := identity.Usage{CPU: 8, MemoryGB: 16, StorageGB: 10}
	if d.RemainingQuota != want {
		t.Errorf("remaining quota = %+v, want %+v", d.RemainingQuota, want)
	}
	if d.Reason == "" || !strings.Contains(d.Reason, "remaining") {
		t.Errorf("reason = %q, want per-dimension remaining amounts", d.Reason)
	}
}

func TestGateBudgetBoundaryNeedsConfirmation(t *testing.T) {
	g := NewGate(memory.NewStore(), discard())
	user := testUser()
	// provision_tenant estimates $25/month; budget of $250 puts the cost at
	// exactly the 10% boundary, which is inclusive.
	user.MonthlyBudget = 250

	d, err := g.Check(context.Background(), user, intent.Intent{Type: intent.TypeProvisionTenant})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Error("Allowed = false, want true")
	}
	if !d.ConfirmationNeeded {
		t.Error("ConfirmationNeeded = false at exact boundary, want true")
	}
}

func TestGateBudgetBelowBoundaryPasses(t *testing.T) {
	g := NewGate(memory.NewStore(), discard())
	user := testUser()
	user.MonthlyBudget = 251

	d, err := g.Check(context.Background(), user, intent.Intent{Type: intent.TypeProvisionTenant})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.ConfirmationNeeded {
		t.Error("ConfirmationNeeded = true below boundary, want false")
	}
}

func TestGateHighRiskNeedsApproval(t *testing.T) {
	g := NewGate(memory.NewStore(), discard())
	user := testUser()
	user.Groups = []string{"admins"}

	d, err := g.Check(context.Background(), user, intent.Intent{Type: intent.TypeDeleteEnvironment})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.ApprovalNeeded {
		t.Error("ApprovalNeeded = false for delete_environment, want true")
	}
}

func TestGateRequestedUsageFromParameters(t *testing.T) {
	g := NewGate(memory.NewStore(), discard())

	d, err := g.Check(context.Background(), testUser(), intent.Intent{
		Type:       intent.TypeCreateEnvironment,
		Parameters: map[string]string{"cpu": "4", "memory_gb": "8"},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Requested.CPU != 4 || d.Requested.MemoryGB != 8 {
		t.Errorf("requested = %+v, want cpu 4 memory 8", d.Requested)
	}
	// Storage falls back to the intent default.
	if d.Requested.StorageGB != 10 {
		t.Errorf("storage = %v, want default 10", d.Requested.StorageGB)
	}
}
