// Package migrations embeds the local store schema.
package migrations

import "embed"

// FS holds the local store SQL migrations.
//
//go:embed *.sql
var FS embed.FS
