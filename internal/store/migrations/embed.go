// Package migrations embeds the SQL migrations for the app-owned database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
