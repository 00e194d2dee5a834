// Package migrations embeds the goose SQL migrations for the reserve sync schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
