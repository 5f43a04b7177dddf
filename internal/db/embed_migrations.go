package db

import "embed"

// MigrationFS holds the SQL migrations for the Postgres user store.
// Applied by cmd/migrate through internal/db/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
