// Package migrations embeds the PostgreSQL schema files applied by
// postgres.Migrate and the migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
