package migrations

import "embed"

// FS embeds the SQL migration files applied at store startup.
//
//go:embed *.sql
var FS embed.FS
