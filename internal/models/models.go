package models

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Creates the tables and indexes needed by the store. Safe to run
// against an existing database.
func CreateTables(ctx context.Context, db bun.IDB) error {
	tables := []any{
		(*Domain)(nil),
		(*EmailAlias)(nil),
		(*EmailMessage)(nil),
	}
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return errors.Wrap(err, "could not create table")
		}
	}

	// The queue scheduler filters on both of these on every poll.
	indexes := map[string]string{
		"email_messages_status_idx":             "status",
		"email_messages_next_attempt_after_idx": "next_attempt_after",
	}
	for name, column := range indexes {
		_, err := db.NewCreateIndex().
			Model((*EmailMessage)(nil)).
			Index(name).
			Column(column).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return errors.Wrapf(err, "could not create index %s", name)
		}
	}

	return nil
}

// All timestamps are stored in UTC so that the textual comparisons
// sqlite does on them stay ordered.
func now() time.Time {
	return time.Now().UTC()
}
