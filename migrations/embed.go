// Package migrations embeds the SQLite schema for the command audit log.
package migrations

import "embed"

// FS holds the *.sql migration files at its root.
//
//go:embed *.sql
var FS embed.FS
