package postgres

import "rawgetl/internal/storage"

func init() {
	storage.Register("postgres", New)
}
