package verify

import (
	"context"
	"log/slog"
	"time"

	"github.com/ksdme/mta/internal/models"
	"github.com/pkg/errors"
)

type DomainStore interface {
	ListDomains(ctx context.Context) ([]models.Domain, error)
	SetDomainVerified(ctx context.Context, id int64, verified bool) error
}

// Checks a domain and marks it verified when enough checks pass. A
// verified domain is never marked unverified again.
func (v *Verifier) Verify(ctx context.Context, store DomainStore, domain *models.Domain, expectedIP string) (*Result, error) {
	result := v.Check(ctx, domain, expectedIP)
	if !result.Verified() || domain.Verified {
		return result, nil
	}

	if err := store.SetDomainVerified(ctx, domain.ID, true); err != nil {
		return result, errors.Wrapf(err, "could not mark %s verified", domain.Name)
	}
	domain.Verified = true

	if !result.AllValid() {
		slog.Warn("marked domain verified with a failing check", "domain", domain.Name, "issues", result.Issues)
	} else {
		slog.Info("marked domain verified", "domain", domain.Name)
	}
	return result, nil
}

// Periodically verifies every domain that is not verified yet.
type Monitor struct {
	verifier *Verifier
	store    DomainStore
	interval time.Duration

	// Returns the address the records should point at.
	expectedIP func(ctx context.Context) (string, error)
}

func NewMonitor(
	verifier *Verifier,
	store DomainStore,
	interval time.Duration,
	expectedIP func(ctx context.Context) (string, error),
) *Monitor {
	return &Monitor{
		verifier:   verifier,
		store:      store,
		interval:   interval,
		expectedIP: expectedIP,
	}
}

// Runs a pass right away and then on every interval until the
// context is done.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("domain monitor started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("domain verification pass failed", "err", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("domain monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) RunOnce(ctx context.Context) error {
	domains, err := m.store.ListDomains(ctx)
	if err != nil {
		return err
	}

	var pending []models.Domain
	for _, domain := range domains {
		if !domain.Verified {
			pending = append(pending, domain)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	ip, err := m.expectedIP(ctx)
	if err != nil {
		return errors.Wrap(err, "could not determine server address")
	}

	for i := range pending {
		if _, err := m.verifier.Verify(ctx, m.store, &pending[i], ip); err != nil {
			slog.Error("could not verify domain", "domain", pending[i].Name, "err", err)
		}
	}
	return nil
}
