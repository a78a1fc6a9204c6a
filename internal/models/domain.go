package models

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/ksdme/mta/internal/utils"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

const DefaultDKIMSelector = "default"

// A sending and receiving domain managed by this server.
type Domain struct {
	ID   int64  `bun:",pk,autoincrement"`
	Name string `bun:",notnull,unique"`

	DKIMSelector   string `bun:"dkim_selector,notnull"`
	DKIMPrivateKey string `bun:"dkim_private_key,notnull"`
	DKIMPublicKey  string `bun:"dkim_public_key,notnull"`

	Verified  bool      `bun:",notnull"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// Normalizes a domain name for storage and lookups.
func NormalizeDomain(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, ".")
	return strings.ToLower(name)
}

func CreateDomain(ctx context.Context, db bun.IDB, domain *Domain) error {
	domain.Name = NormalizeDomain(domain.Name)
	if domain.Name == "" {
		return errors.New("domain name cannot be empty")
	}
	if domain.DKIMSelector == "" {
		domain.DKIMSelector = DefaultDKIMSelector
	}
	if domain.CreatedAt.IsZero() {
		domain.CreatedAt = now()
	}

	if _, err := db.NewInsert().Model(domain).Exec(ctx); err != nil {
		if utils.IsUniqueConstraintErr(err) {
			return errors.Wrapf(ErrAlreadyExists, "domain %s", domain.Name)
		}
		return errors.Wrap(err, "could not create domain")
	}

	return nil
}

// Case insensitive exact match on the domain name.
func FindDomain(ctx context.Context, db bun.IDB, name string) (*Domain, error) {
	domain := &Domain{}
	err := db.NewSelect().
		Model(domain).
		Where("lower(name) = ?", NormalizeDomain(name)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(ErrNotFound, "domain %s", name)
		}
		return nil, errors.Wrap(err, "could not query domains")
	}

	return domain, nil
}

func ListDomains(ctx context.Context, db bun.IDB) ([]Domain, error) {
	var domains []Domain
	err := db.NewSelect().
		Model(&domains).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not query domains")
	}

	return domains, nil
}

func SetDomainVerified(ctx context.Context, db bun.IDB, id int64, verified bool) error {
	result, err := db.NewUpdate().
		Model((*Domain)(nil)).
		Set("verified = ?", verified).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "could not update domain")
	}
	if count, err := result.RowsAffected(); err == nil && count == 0 {
		return errors.Wrapf(ErrNotFound, "domain %d", id)
	}

	return nil
}
