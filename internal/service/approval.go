package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/domain"
	"github.com/suhlabs/provisioner/internal/domain/approval"
	"github.com/suhlabs/provisioner/internal/domain/identity"
	"github.com/suhlabs/provisioner/internal/port/database"
	"github.com/suhlabs/provisioner/internal/port/messagequeue"
	"github.com/suhlabs/provisioner/internal/port/notifier"
)

// ApprovalEvent is the payload on the approval subjects.
type ApprovalEvent struct {
	ApprovalID string `json:"approval_id"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// Approvals manages human-in-the-loop decisions. Waiters park on a
// buffered channel per request; the first resolution wins and later ones
// conflict. Decisions can also arrive out of band over the queue.
type Approvals struct {
	store     database.Store
	queue     messagequeue.Queue
	notifiers []notifier.Notifier
	quota     *Quota
	cfg       config.Approval
	logger    *slog.Logger
	now       func() time.Time

	pending sync.Map // approval ID -> chan approval.Status (buffered, size 1)
}

// NewApprovals creates the approval service. quota may be nil when no
// reservations ride on approvals.
func NewApprovals(store database.Store, queue messagequeue.Queue, notifiers []notifier.Notifier, quota *Quota, cfg config.Approval, logger *slog.Logger) *Approvals {
	return &Approvals{
		store:     store,
		queue:     queue,
		notifiers: notifiers,
		quota:     quota,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Create opens a pending approval request and notifies approvers. reserved
// is the quota held for the gated action; it is handed back if the request
// is denied or expires.
func (a *Approvals) Create(ctx context.Context, sessionID, tenantID, requestedBy, action, reason string, reserved identity.Usage) (*approval.Request, error) {
	if len(a.cfg.Approvers) == 0 {
		return nil, fmt.Errorf("no approvers configured: %w", domain.ErrValidation)
	}
	now := a.now()
	req := &approval.Request{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		TenantID:          tenantID,
		RequestedBy:       requestedBy,
		Action:            action,
		Reason:            reason,
		Status:            approval.StatusPending,
		Reserved:          reserved,
		RequiredApprovers: append([]string(nil), a.cfg.Approvers...),
		CreatedAt:         now,
		ExpiresAt:         now.Add(a.cfg.TTL),
	}
	if err := a.store.CreateApproval(ctx, req); err != nil {
		return nil, err
	}

	a.pending.Store(req.ID, make(chan approval.Status, 1))
	a.publishEvent(ctx, messagequeue.SubjectApprovalRequested, req)
	a.notifyAll(ctx, "warning", "approval needed: "+action,
		fmt.Sprintf("%s requested %q: %s", requestedBy, action, reason), "approval.requested")
	return req, nil
}

// Resolve applies a decision. Only a listed approver other than the
// requester may decide. The first resolution wins; a second attempt or a
// decision on an expired request fails with the matching sentinel.
func (a *Approvals) Resolve(ctx context.Context, id string, approve bool, resolvedBy string) (*approval.Request, error) {
	req, err := a.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.CanResolve(resolvedBy); err != nil {
		return nil, err
	}

	to := approval.StatusDenied
	if approve {
		to = approval.StatusApproved
	}
	now := a.now()
	if err := req.Resolve(to, now); err != nil {
		return nil, err
	}

	req.Status = to
	req.ResolvedBy = resolvedBy
	req.ResolvedAt = &now
	if err := a.store.UpdateApproval(ctx, req); err != nil {
		return nil, err
	}

	a.signal(req.ID, to)
	if to == approval.StatusDenied {
		a.releaseReserved(ctx, req)
	}
	a.publishEvent(ctx, messagequeue.SubjectApprovalResolved, req)
	return req, nil
}

// await blocks until the request is resolved, expires, or ctx is done.
// Expiry reads as denial.
func (a *Approvals) await(ctx context.Context, id string) (approval.Status, error) {
	ch, ok := a.pending.Load(id)
	if !ok {
		// Resolved before anyone waited, or created by another process.
		req, err := a.store.GetApproval(ctx, id)
		if err != nil {
			return "", err
		}
		if req.Status != approval.StatusPending {
			return req.Status, nil
		}
		fresh := make(chan approval.Status, 1)
		actual, _ := a.pending.LoadOrStore(id, fresh)
		ch = actual
	}

	select {
	case st := <-ch.(chan approval.Status):
		return st, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// List returns approval requests with the given status.
func (a *Approvals) List(ctx context.Context, status approval.Status) ([]approval.Request, error) {
	return a.store.ListApprovals(ctx, status)
}

// Get returns one approval request.
func (a *Approvals) Get(ctx context.Context, id string) (*approval.Request, error) {
	return a.store.GetApproval(ctx, id)
}

// StartSweeper expires overdue pending requests on an interval. Expiry is
// an implicit denial: parked waiters are released with StatusExpired.
func (a *Approvals) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := a.store.SweepExpiredApprovals(ctx, a.now())
			if err != nil {
				a.logger.Error("approval sweep failed", "error", err)
				continue
			}
			for _, req := range expired {
				a.signal(req.ID, approval.StatusExpired)
				a.releaseReserved(ctx, &req)
				a.publishEvent(ctx, messagequeue.SubjectApprovalResolved, &req)
				a.notifyAll(ctx, "info", "approval expired: "+req.Action,
					"request from "+req.RequestedBy+" expired unanswered", "approval.expired")
			}
		}
	}
}

// SubscribeResolutions wires out-of-band decisions arriving on the queue
// (e.g. from a chat-ops bot) into Resolve. Returns the subscription cancel.
func (a *Approvals) SubscribeResolutions(ctx context.Context) (func(), error) {
	if a.queue == nil {
		return func() {}, nil
	}
	return a.queue.Subscribe(ctx, messagequeue.SubjectApprovalResolved,
		func(ctx context.Context, _ string, data []byte) error {
			var ev ApprovalEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("decode approval event: %w", err)
			}
			if ev.ResolvedBy == "" {
				// Our own echo of a local resolution.
				return nil
			}
			_, err := a.Resolve(ctx, ev.ApprovalID, ev.Status == string(approval.StatusApproved), ev.ResolvedBy)
			if err != nil && !errors.Is(err, domain.ErrConflict) &&
				!errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrPermissionDenied) {
				return err
			}
			return nil
		})
}

func (a *Approvals) releaseReserved(ctx context.Context, req *approval.Request) {
	if a.quota == nil || req.Reserved == (identity.Usage{}) {
		return
	}
	if err := a.quota.Release(context.WithoutCancel(ctx), req.TenantID, req.Reserved); err != nil {
		a.logger.Error("release reserved quota failed",
			"approval_id", req.ID, "tenant_id", req.TenantID, "error", err)
	}
}

func (a *Approvals) signal(id string, st approval.Status) {
	if ch, ok := a.pending.LoadAndDelete(id); ok {
		ch.(chan approval.Status) <- st
	}
}

func (a *Approvals) publishEvent(ctx context.Context, subject string, req *approval.Request) {
	if a.queue == nil {
		return
	}
	data, err := json.Marshal(ApprovalEvent{
		ApprovalID: req.ID,
		SessionID:  req.SessionID,
		Status:     string(req.Status),
	})
	if err != nil {
		return
	}
	if err := a.queue.Publish(context.WithoutCancel(ctx), subject, data); err != nil {
		a.logger.Warn("approval event publish failed", "subject", subject, "error", err)
	}
}

func (a *Approvals) notifyAll(ctx context.Context, level, title, message, source string) {
	for _, n := range a.notifiers {
		if err := n.Send(context.WithoutCancel(ctx), notifier.Notification{
			Title:   title,
			Message: message,
			Level:   level,
			Source:  source,
		}); err != nil && !errors.Is(err, notifier.ErrNotConfigured) {
			a.logger.Warn("notify failed", "notifier", n.Name(), "error", err)
		}
	}
}
