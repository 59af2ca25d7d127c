// Package migrations embeds the identity store schema.
package migrations

import "embed"

// FS holds the identity SQL migrations.
//
//go:embed *.sql
var FS embed.FS
