package mysql

import (
	"strings"
	"testing"

	"rawgetl/internal/storage"
)

func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildUpsertSQL("stores", []string{"store_id", "name", "domain"},
		[][]any{{int64(1), "Steam", "store.steampowered.com"}, {int64(3), "PlayStation Store", nil}}, "store_id")
	want := "INSERT INTO `stores` (`store_id`, `name`, `domain`) VALUES (?, ?, ?), (?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE `name` = VALUES(`name`), `domain` = VALUES(`domain`)"
	if q != want {
		t.Fatalf("sql=%q\nwant %q", q, want)
	}
	if len(args) != 6 {
		t.Fatalf("args=%d", len(args))
	}
}

func TestBuildUpsertSQL_KeyOnly(t *testing.T) {
	t.Parallel()

	q, _ := buildUpsertSQL("stores", []string{"store_id"}, [][]any{{int64(1)}}, "store_id")
	if !strings.HasSuffix(q, "ON DUPLICATE KEY UPDATE `store_id` = `store_id`") {
		t.Fatalf("sql=%q", q)
	}
}

func TestBuildCreateSQL(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "games",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "game_id", Type: "integer"},
		Columns: []storage.ColumnSpec{
			{Name: "rating", Type: "numeric(3,2)"},
			{Name: "ratings", Type: "json"},
			{Name: "updated_at", Type: "timestamp"},
		},
	}
	ddl, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS `games`",
		"`game_id` INT NOT NULL PRIMARY KEY",
		"`rating` DECIMAL(3,2) NULL",
		"`ratings` JSON NULL",
		"`updated_at` DATETIME(6) NULL",
	} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("ddl missing %q: %s", want, ddl)
		}
	}
}
