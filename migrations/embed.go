// Package migrations holds the PostgreSQL registry schema.
package migrations

import "embed"

// FS contains the goose migration files
//
//go:embed *.sql
var FS embed.FS
