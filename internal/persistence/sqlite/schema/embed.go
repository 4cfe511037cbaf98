// Package schema embeds the SQLite migration files.
package schema

import "embed"

// Files holds the versioned migration scripts at the root of the filesystem.
//
//go:embed *.sql
var Files embed.FS
