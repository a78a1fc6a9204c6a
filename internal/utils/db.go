package utils

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Opens the sqlite database behind the given uri.
func OpenDB(uri string) (*bun.DB, error) {
	sqldb, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, errors.Wrap(err, "opening db failed")
	}
	if err := sqldb.Ping(); err != nil {
		sqldb.Close()
		return nil, errors.Wrap(err, "connecting to db failed")
	}

	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// Returns a boolean indicating if the current error is related to a
// database constraint failure.
func IsUniqueConstraintErr(err error) bool {
	var val sqlite3.Error
	if errors.As(err, &val) {
		return val.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
