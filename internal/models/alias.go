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

// The local part that matches any address on a domain.
const CatchAll = "*"

// A forwarding rule scoped to a domain.
type EmailAlias struct {
	ID int64 `bun:",pk,autoincrement"`

	DomainID int64   `bun:",notnull,unique:domain_local_part"`
	Domain   *Domain `bun:"rel:belongs-to,join:domain_id=id,on_delete:cascade"`

	LocalPart string `bun:",notnull,unique:domain_local_part"`
	ForwardTo string `bun:",notnull"`
	Active    bool   `bun:",notnull"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

func (a EmailAlias) IsCatchAll() bool {
	return a.LocalPart == CatchAll
}

// Normalizes the local part of an address.
// TODO: It should also deal with unicode characters.
func NormalizeLocalPart(local string) string {
	local = strings.TrimSpace(local)
	return strings.ToLower(local)
}

func CreateAlias(ctx context.Context, db bun.IDB, alias *EmailAlias) error {
	alias.LocalPart = NormalizeLocalPart(alias.LocalPart)
	if alias.LocalPart == "" {
		return errors.New("local part cannot be empty")
	}
	if alias.ForwardTo == "" {
		return errors.New("forward address cannot be empty")
	}
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = now()
	}

	if _, err := db.NewInsert().Model(alias).Exec(ctx); err != nil {
		if utils.IsUniqueConstraintErr(err) {
			return errors.Wrapf(ErrAlreadyExists, "alias %s", alias.LocalPart)
		}
		return errors.Wrap(err, "could not create alias")
	}

	return nil
}

// Finds the active alias for a local part on a domain. An exact match
// always wins over the catch-all alias of the domain.
func FindAlias(ctx context.Context, db bun.IDB, domainID int64, localPart string) (*EmailAlias, error) {
	alias := &EmailAlias{}
	err := db.NewSelect().
		Model(alias).
		Where("domain_id = ?", domainID).
		Where("active = ?", true).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("lower(local_part) = ?", NormalizeLocalPart(localPart)).
				WhereOr("local_part = ?", CatchAll)
		}).
		OrderExpr("CASE WHEN local_part = ? THEN 1 ELSE 0 END ASC", CatchAll).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(ErrNotFound, "alias %s", localPart)
		}
		return nil, errors.Wrap(err, "could not query aliases")
	}

	return alias, nil
}
