// Package all registers every storage backend. Import it for side effects.
package all

import (
	_ "rawgetl/internal/storage/mssql"
	_ "rawgetl/internal/storage/mysql"
	_ "rawgetl/internal/storage/postgres"
	_ "rawgetl/internal/storage/sqlite"
)
