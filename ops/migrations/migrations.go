// Package migrations embeds the schema and seed SQL so binaries can run
// them without the source tree on disk.
package migrations

import "embed"

// FS holds sql/*.sql migrations and seeds/*.sql seed files.
//
//go:embed sql seeds
var FS embed.FS

// Dirs inside FS.
const (
	SQLDir   = "sql"
	SeedsDir = "seeds"
)
