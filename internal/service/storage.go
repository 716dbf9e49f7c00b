package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/suhlabs/provisioner/internal/port/database"
	"github.com/suhlabs/provisioner/internal/port/deploy"
)

// Alert thresholds for the storage report, as fractions of total volume
// capacity held by the quota ledger.
const (
	storageWarnFraction = 0.80
	storageCritFraction = 0.90
)

// VolumeStatus is one volume's entry in the storage report.
type VolumeStatus struct {
	CapacityGB int64  `json:"capacity_gb"`
	State      string `json:"state"`
}

// StorageStatus is the per-tenant storage report returned by GET /storage.
type StorageStatus struct {
	TenantID    string                  `json:"tenant_id"`
	Namespace   string                  `json:"namespace"`
	Storage     map[string]VolumeStatus `json:"storage"`
	AllocatedGB float64                 `json:"allocated_gb"`
	Alerts      map[string]string       `json:"alerts"`
}

// Storage builds tenant storage reports from the cluster's volume claims
// and the quota ledger.
type Storage struct {
	store    database.Store
	executor deploy.Executor
	logger   *slog.Logger
}

// NewStorage creates the storage report service.
func NewStorage(store database.Store, executor deploy.Executor, logger *slog.Logger) *Storage {
	return &Storage{store: store, executor: executor, logger: logger}
}

// Report assembles the storage view for one tenant: each volume's capacity
// and bind state, the ledger's storage allocation, and threshold alerts.
func (s *Storage) Report(ctx context.Context, tenantID string) (*StorageStatus, error) {
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	volumes, err := s.executor.Volumes(ctx, t.Namespace)
	if err != nil {
		return nil, fmt.Errorf("volumes for %s: %w", t.Namespace, err)
	}

	usage, _, err := s.store.GetUsage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	report := &StorageStatus{
		TenantID:    tenantID,
		Namespace:   t.Namespace,
		Storage:     make(map[string]VolumeStatus, len(volumes)),
		AllocatedGB: usage.StorageGB,
		Alerts:      map[string]string{},
	}

	var totalCapacity int64
	for _, v := range volumes {
		state := "bound"
		if !v.Bound {
			state = "pending"
			report.Alerts[v.Name] = "volume is not bound"
		}
		report.Storage[v.Name] = VolumeStatus{CapacityGB: v.CapacityGB, State: state}
		totalCapacity += v.CapacityGB
	}

	if totalCapacity > 0 {
		frac := usage.StorageGB / float64(totalCapacity)
		switch {
		case frac >= storageCritFraction:
			report.Alerts["storage"] = fmt.Sprintf("allocation at %.0f%% of capacity, expand volumes soon", frac*100)
		case frac >= storageWarnFraction:
			report.Alerts["storage"] = fmt.Sprintf("allocation at %.0f%% of capacity", frac*100)
		}
	}
	return report, nil
}
