// Package resource holds the static description of every RAWG resource the
// pipeline loads: endpoint, paging, expected upstream fields and the typed
// destination row.
package resource

import (
	"errors"
	"fmt"
	"strings"

	"rawgetl/internal/storage"
)

// Kind names a resource.
type Kind string

const (
	Games     Kind = "games"
	Genres    Kind = "genres"
	Platforms Kind = "platforms"
	Stores    Kind = "stores"
	Tags      Kind = "tags"
)

// ErrUnknownResource is returned for kind names outside the catalog.
var ErrUnknownResource = errors.New("unknown resource")

// Endpoint describes how a resource is paged upstream.
type Endpoint struct {
	Path     string
	Ordering string
	PageSize int
	// Partitioned endpoints are filtered by a single day (dates=D,D).
	Partitioned bool
}

// Spec is the immutable description of one resource with row type R.
type Spec[R any] struct {
	Kind     Kind
	Endpoint Endpoint
	Table    string
	// Expected lists upstream fields a healthy response carries.
	Expected []string
}

// Schema returns the reflected row schema. Row types are fixed at compile
// time, so a bad tag is a programming error and panics.
func (s Spec[R]) Schema() *Schema {
	sc, err := SchemaOf[R]()
	if err != nil {
		panic(err)
	}
	return sc
}

// TableSpec returns the destination table description.
func (s Spec[R]) TableSpec() storage.TableSpec {
	return s.Schema().TableSpec(s.Table)
}

// Describe drops the row type for callers that only need metadata.
func (s Spec[R]) Describe() Descriptor {
	return Descriptor{
		Kind:     s.Kind,
		Endpoint: s.Endpoint,
		Table:    s.Table,
		Expected: append([]string(nil), s.Expected...),
		Schema:   s.Schema(),
	}
}

// Descriptor is the non-generic view of a Spec.
type Descriptor struct {
	Kind     Kind
	Endpoint Endpoint
	Table    string
	Expected []string
	Schema   *Schema
}

// TableSpec returns the destination table description.
func (d Descriptor) TableSpec() storage.TableSpec {
	return d.Schema.TableSpec(d.Table)
}

var (
	GameSpec = Spec[Game]{
		Kind:     Games,
		Endpoint: Endpoint{Path: "games", Ordering: "released", PageSize: 40, Partitioned: true},
		Table:    "games",
		Expected: []string{
			"id", "slug", "name", "released", "tba", "rating", "ratings",
			"rating_top", "ratings_count", "reviews_text_count", "added", "added_by_status",
			"metacritic", "playtime", "suggestions_count", "updated", "user_game",
			"reviews_count", "community_rating", "saturated_color", "dominant_color",
			"platforms", "parent_platforms", "genres", "stores", "clip", "tags",
			"esrb_rating", "short_screenshots",
		},
	}
	GenreSpec = Spec[Genre]{
		Kind:     Genres,
		Endpoint: Endpoint{Path: "genres", Ordering: "added", PageSize: 19},
		Table:    "genres",
		Expected: []string{"id", "name", "slug", "games_count", "image_background", "games"},
	}
	PlatformSpec = Spec[Platform]{
		Kind:     Platforms,
		Endpoint: Endpoint{Path: "platforms", Ordering: "added", PageSize: 40},
		Table:    "platforms",
		Expected: []string{"id", "name", "slug", "games_count", "image_background", "image", "year_start", "year_end", "games"},
	}
	StoreSpec = Spec[Store]{
		Kind:     Stores,
		Endpoint: Endpoint{Path: "stores", Ordering: "added", PageSize: 40},
		Table:    "stores",
		Expected: []string{"id", "name", "domain", "slug", "games_count", "image_background", "games"},
	}
	TagSpec = Spec[Tag]{
		Kind:     Tags,
		Endpoint: Endpoint{Path: "tags", Ordering: "added", PageSize: 40},
		Table:    "tags",
		Expected: []string{"id", "name", "slug", "games_count", "image_background", "language", "games"},
	}
)

// Kinds lists every resource in catalog order.
func Kinds() []Kind {
	return []Kind{Games, Genres, Platforms, Stores, Tags}
}

// Descriptors lists every resource in catalog order.
func Descriptors() []Descriptor {
	return []Descriptor{
		GameSpec.Describe(),
		GenreSpec.Describe(),
		PlatformSpec.Describe(),
		StoreSpec.Describe(),
		TagSpec.Describe(),
	}
}

// Lookup returns the descriptor for k.
func Lookup(k Kind) (Descriptor, error) {
	for _, d := range Descriptors() {
		if d.Kind == k {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownResource, k)
}

// ParseKind accepts a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q (want one of %v)", ErrUnknownResource, s, Kinds())
}
