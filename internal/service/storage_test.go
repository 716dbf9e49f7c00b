package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/suhlabs/provisioner/internal/adapter/memory"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/domain/tenant"
	"github.com/suhlabs/provisioner/internal/port/deploy"
)

// volumeExecutor answers Volumes with a fixed list and rejects everything
// else; the storage report only needs the one method.
type volumeExecutor struct {
	scriptedConnectors
	volumes []deploy.Volume
}

func (v *volumeExecutor) Volumes(context.Context, string) ([]deploy.Volume, error) {
	return v.volumes, nil
}

func seedTenant(t *testing.T, store *memory.Store) {
	t.Helper()
	err := store.CreateTenant(context.Background(), &tenant.Tenant{
		ID:         "tenant-1",
		FamilyName: "smith",
		Domain:     "smith.com",
		AdminEmail: "suh@example.com",
		Namespace:  "tenant-smith",
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
}

func TestStorageReportVolumesAndAllocation(t *testing.T) {
	store := memory.NewStore()
	seedTenant(t, store)
	ctx := context.Background()

	if err := store.ReserveQuota(ctx, "tenant-1", identity.Usage{StorageGB: 50}, 0); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	exec := &volumeExecutor{volumes: []deploy.Volume{
		{Name: "photoprism-originals", CapacityGB: 100, Bound: true},
	}}
	report, err := NewStorage(store, exec, discard()).Report(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	if report.Namespace != "tenant-smith" {
		t.Errorf("namespace = %q", report.Namespace)
	}
	vol := report.Storage["photoprism-originals"]
	if vol.CapacityGB != 100 || vol.State != "bound" {
		t.Errorf("volume = %+v, want 100GB bound", vol)
	}
	if report.AllocatedGB != 50 {
		t.Errorf("allocated = %v, want 50", report.AllocatedGB)
	}
	if len(report.Alerts) != 0 {
		t.Errorf("alerts = %v, want none at 50%%", report.Alerts)
	}
}

func TestStorageReportAlerts(t *testing.T) {
	store := memory.NewStore()
	seedTenant(t, store)
	ctx := context.Background()

	if err := store.ReserveQuota(ctx, "tenant-1", identity.Usage{StorageGB: 95}, 0); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	exec := &volumeExecutor{volumes: []deploy.Volume{
		{Name: "photoprism-originals", CapacityGB: 100, Bound: false},
	}}
	report, err := NewStorage(store, exec, discard()).Report(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	if report.Alerts["photoprism-originals"] == "" {
		t.Error("no alert for unbound volume")
	}
	if report.Alerts["storage"] == "" {
		t.Error("no alert at 95% allocation")
	}
	if report.Storage["photoprism-originals"].State != "pending" {
		t.Errorf("state = %q, want pending", report.Storage["photoprism-originals"].State)
	}
}

func TestStorageReportUnknownTenant(t *testing.T) {
	store := memory.NewStore()
	exec := &volumeExecutor{}
	_, err := NewStorage(store, exec, discard()).Report(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
