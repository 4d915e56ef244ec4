// Package migrations embeds the SQL migration files so the runner works
// regardless of the process working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
