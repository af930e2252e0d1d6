package config

import (
	"fmt"

	dbm "github.com/tendermint/tm-db"
)

// DBContext names a database to open under a node's configuration.
type DBContext struct {
	ID     string
	Config *Config
}

// DBProvider opens the database described by a DBContext. Tests swap in
// providers returning in-memory databases.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider opens the database with the configured backend in the
// configured data directory.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	backend := dbm.BackendType(ctx.Config.DBBackend)
	db, err := dbm.NewDB(ctx.ID, backend, ctx.Config.DBDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database with %s backend: %w", ctx.ID, backend, err)
	}
	return db, nil
}
