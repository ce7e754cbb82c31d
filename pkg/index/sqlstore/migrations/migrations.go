// Package migrations embeds the PostgreSQL schema scripts applied by
// golang-migrate at store startup.
package migrations

import "embed"

// FS holds the numbered up/down migration scripts.
//
//go:embed *.sql
var FS embed.FS
