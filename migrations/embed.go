// Package migrations holds the PostGIS schema: project AOIs, green-space
// polygons and pipeline run history. Files are applied in name order by
// storage.DB.RunMigrations.
package migrations

import "embed"

// FS contains every .sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
