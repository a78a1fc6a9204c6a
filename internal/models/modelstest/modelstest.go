// Package modelstest provides an in-memory store for tests.
package modelstest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/ksdme/mta/internal/models"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Opens a fresh in-memory database with all the tables created. The
// database is closed when the test ends.
func NewDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is its own database.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	require.NoError(t, models.CreateTables(context.Background(), db))
	return db
}

// Creates a domain with placeholder keys.
func Domain(t *testing.T, db *bun.DB, name string) *models.Domain {
	t.Helper()

	domain := &models.Domain{
		Name:           name,
		DKIMPrivateKey: "unused",
		DKIMPublicKey:  "unused",
	}
	require.NoError(t, models.CreateDomain(context.Background(), db, domain))
	return domain
}

func Alias(t *testing.T, db *bun.DB, domain *models.Domain, local string, to string, active bool) *models.EmailAlias {
	t.Helper()

	alias := &models.EmailAlias{
		DomainID:  domain.ID,
		LocalPart: local,
		ForwardTo: to,
		Active:    active,
	}
	require.NoError(t, models.CreateAlias(context.Background(), db, alias))
	return alias
}
