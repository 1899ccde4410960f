// Package migrations carries the Postgres hash index schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
