package resource

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestGameSchema_ColumnsInOrderWithKeyFirst(t *testing.T) {
	t.Parallel()

	sc := GameSpec.Schema()
	want := []string{
		"game_id", "slug", "name", "released", "tba", "background_image", "rating", "ratings",
		"rating_top", "ratings_count", "reviews_text_count", "added", "added_by_status",
		"metacritic", "playtime", "suggestions_count", "updated_at", "reviews_count",
		"platforms", "genres", "stores", "tags", "esrb_rating", "extracted_at",
	}
	require.Equal(t, want, sc.ColumnNames())
	require.Equal(t, "game_id", sc.PrimaryKey().Name)
	require.Equal(t, "id", sc.PrimaryKey().Source)

	stamp, ok := sc.StampColumn()
	require.True(t, ok)
	require.Equal(t, "extracted_at", stamp.Name)
}

func TestEveryCatalogSchemaIsValid(t *testing.T) {
	t.Parallel()

	for _, d := range Descriptors() {
		ts := d.TableSpec()
		require.NoError(t, ts.Validate(), d.Kind)
		require.Equal(t, string(d.Kind), ts.Name)
		require.Equal(t, ts.ColumnNames(), d.Schema.ColumnNames(), d.Kind)
		require.Contains(t, d.Expected, "id", d.Kind)
	}
}

func TestCatalog_PerKindEndpoints(t *testing.T) {
	t.Parallel()

	require.Equal(t, Endpoint{Path: "games", Ordering: "released", PageSize: 40, Partitioned: true}, GameSpec.Endpoint)
	require.Equal(t, 19, GenreSpec.Endpoint.PageSize)
	for _, d := range Descriptors()[1:] {
		require.False(t, d.Endpoint.Partitioned, d.Kind)
		require.Equal(t, "added", d.Endpoint.Ordering, d.Kind)
	}
}

func TestSchemaValues_NilsAndJSON(t *testing.T) {
	t.Parallel()

	sc := TagSpec.Schema()
	row := Tag{
		TagID:    31,
		Name:     strPtr("Singleplayer"),
		Language: strPtr("eng"),
		Games:    json.RawMessage(` [{"id":1}] `),
	}
	got := sc.Values(&row)
	want := []any{int64(31), "Singleplayer", nil, nil, nil, "eng", `[{"id":1}]`}
	require.Equal(t, want, got)

	row.Games = json.RawMessage("null")
	require.Nil(t, sc.Values(row)[6])
}

func TestSchemaStamp(t *testing.T) {
	t.Parallel()

	sc := GameSpec.Schema()
	var g Game
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	sc.Stamp(&g, at)
	require.NotNil(t, g.ExtractedAt)
	require.Equal(t, time.UTC, g.ExtractedAt.Location())
	require.True(t, g.ExtractedAt.Equal(at))

	// no stamp column: no-op
	var tag Tag
	TagSpec.Schema().Stamp(&tag, at)
	require.Equal(t, Tag{}, tag)
}

func TestSchemaOf_RejectsBadTags(t *testing.T) {
	t.Parallel()

	type noPK struct {
		Name *string `json:"name" db:"name" sql:"text"`
	}
	type badType struct {
		ID   int64   `json:"id" db:"id" sql:"integer,pk"`
		Name *string `json:"name" db:"name" sql:"varchar"`
	}
	type plainField struct {
		ID   int64  `json:"id" db:"id" sql:"integer,pk"`
		Name string `json:"name" db:"name" sql:"text"`
	}
	_, err := SchemaOf[noPK]()
	require.Error(t, err)
	_, err = SchemaOf[badType]()
	require.Error(t, err)
	_, err = SchemaOf[plainField]()
	require.Error(t, err)
}

func TestSchemaOf_IsCached(t *testing.T) {
	t.Parallel()

	a, err := SchemaOf[Genre]()
	require.NoError(t, err)
	b, err := SchemaOf[Genre]()
	require.NoError(t, err)
	require.True(t, a == b)
	require.Equal(t, reflect.TypeOf(Genre{}), a.typ)
}

func TestParseKindAndLookup(t *testing.T) {
	t.Parallel()

	k, err := ParseKind(" Games ")
	require.NoError(t, err)
	require.Equal(t, Games, k)

	_, err = ParseKind("achievements")
	require.True(t, errors.Is(err, ErrUnknownResource))

	d, err := Lookup(Stores)
	require.NoError(t, err)
	require.Equal(t, "stores", d.Table)

	_, err = Lookup("nope")
	require.ErrorIs(t, err, ErrUnknownResource)
}
