// Package migrations embeds the SQL migration files for syncd.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
