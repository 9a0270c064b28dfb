// Package migrations embeds SQL migration files for the federation store.
package migrations

import "embed"

// FS contains the schema migrations applied to a fresh Postgres database.
//
//go:embed *.sql
var FS embed.FS
