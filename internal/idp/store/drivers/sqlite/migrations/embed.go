// Package migrations embeds the SQL migration files for the sqlite credential
// store so they compile into the binary and can be applied via golang-migrate.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
