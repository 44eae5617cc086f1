// Package migrations carries the monitor's SQL schema. Importing it for
// side effects points database.Migrate at the embedded files.
package migrations

import (
	"embed"

	"github.com/nerrad567/device-monitor/internal/infrastructure/database"
)

//go:embed *.sql
var schema embed.FS

func init() {
	database.MigrationsFS, database.MigrationsDir = schema, "."
}
