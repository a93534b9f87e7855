// Package database provides test helpers that wrap test/util's
// schema-isolated Postgres bootstrap in a ready-to-use *database.Client.
package database

import (
	"testing"

	"github.com/relaykit/orchestra/pkg/database"
	"github.com/relaykit/orchestra/test/util"
)

// NewTestClient creates a migrated, schema-isolated test database client.
// In CI (when CI_DATABASE_URL is set): connects to an external PostgreSQL
// service container. In local dev: spins up a shared testcontainer once per
// package. The schema is dropped and the pool closed automatically via
// t.Cleanup.
func NewTestClient(t *testing.T) *database.Client {
	db := util.SetupTestDatabase(t)
	return database.NewClientFromDB(db)
}
