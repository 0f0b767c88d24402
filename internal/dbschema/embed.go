// Package dbschema embeds the goose migrations shared by the sqlite-backed
// activitystore and sessionstore implementations, the way
// internal/db/embed.go embeds claude-ops' own migrations.
package dbschema

import "embed"

//go:embed migrations/*.sql
var MigrationFS embed.FS
