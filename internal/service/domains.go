package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agnivade/levenshtein"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/port/registrar"
	"github.com/suhlabs/provisioner/internal/resilience"
)

const domainTLD = ".com"

// Domains checks availability and suggests ranked alternatives when the
// first choice is taken. Registrar calls go through the circuit breaker and
// a weighted semaphore bounds how many run at once.
type Domains struct {
	registrar registrar.Registrar
	breaker   *resilience.Breaker
	sem       *semaphore.Weighted
	cfg       config.Orchestrator
	logger    *slog.Logger
}

// NewDomains creates the domain suggestion service.
func NewDomains(reg registrar.Registrar, breaker *resilience.Breaker, cfg config.Orchestrator, logger *slog.Logger) *Domains {
	return &Domains{
		registrar: reg,
		breaker:   breaker,
		sem:       semaphore.NewWeighted(int64(cfg.DomainCheckParallel)),
		cfg:       cfg,
		logger:    logger,
	}
}

// Check reports whether the family's first-choice domain is available.
func (d *Domains) Check(ctx context.Context, familyName string) (registrar.Availability, error) {
	return d.checkOne(ctx, familyName+domainTLD)
}

// CheckExact checks one fully qualified domain as the user typed it.
func (d *Domains) CheckExact(ctx context.Context, domainName string) (registrar.Availability, error) {
	return d.checkOne(ctx, domainName)
}

// Alternatives generates name variants, checks them concurrently under the
// semaphore, and returns the available ones ranked by edit distance from
// the requested name. Ties break on length, then lexically, so the closest
// and shortest suggestion always leads.
func (d *Domains) Alternatives(ctx context.Context, familyName string) ([]registrar.Availability, error) {
	requested := familyName + domainTLD
	variants := nameVariants(familyName)

	var (
		mu        sync.Mutex
		available []registrar.Availability
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, variant := range variants {
		candidate := variant + domainTLD
		g.Go(func() error {
			if err := d.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer d.sem.Release(1)

			avail, err := d.checkOne(gctx, candidate)
			if err != nil {
				// One bad check should not sink the whole suggestion
				// round; the candidate is just skipped.
				d.logger.Warn("alternative check failed", "domain", candidate, "error", err)
				return nil
			}
			if avail.Available {
				mu.Lock()
				available = append(available, avail)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("check alternatives for %s: %w", familyName, err)
	}

	sort.Slice(available, func(i, j int) bool {
		di := levenshtein.ComputeDistance(requested, available[i].Domain)
		dj := levenshtein.ComputeDistance(requested, available[j].Domain)
		if di != dj {
			return di < dj
		}
		if len(available[i].Domain) != len(available[j].Domain) {
			return len(available[i].Domain) < len(available[j].Domain)
		}
		return available[i].Domain < available[j].Domain
	})

	if len(available) > d.cfg.MaxAlternatives {
		available = available[:d.cfg.MaxAlternatives]
	}
	return available, nil
}

func (d *Domains) checkOne(ctx context.Context, domainName string) (registrar.Availability, error) {
	var avail registrar.Availability
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		avail, err = d.registrar.CheckAvailability(ctx, domainName)
		return err
	})
	if err != nil {
		return registrar.Availability{}, fmt.Errorf("check %s: %w", domainName, err)
	}
	return avail, nil
}

// nameVariants mirrors the suggestion shapes families actually pick:
// hyphenated, suffixed and prefixed forms of the requested name.
func nameVariants(name string) []string {
	return []string{
		name + "-family",
		name + "family",
		name + "-photos",
		name + "photos",
		"the" + name + "s",
		"my" + name,
	}
}
