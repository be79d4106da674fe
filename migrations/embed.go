package migrations

import "embed"

// Files exposes the goose migrations for every supported store. Each driver
// reads its own subdirectory (postgres/, sqlite/).
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
