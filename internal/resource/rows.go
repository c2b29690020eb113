package resource

import (
	"encoding/json"
	"time"
)

// Row structs are the destination schemas. Field order is column order.
// Nested upstream structures are kept as JSON text.

type Game struct {
	GameID           int64           `json:"id" db:"game_id" sql:"integer,pk"`
	Slug             *string         `json:"slug" db:"slug" sql:"text"`
	Name             *string         `json:"name" db:"name" sql:"text"`
	Released         *string         `json:"released" db:"released" sql:"date"`
	TBA              *bool           `json:"tba" db:"tba" sql:"boolean"`
	BackgroundImage  *string         `json:"background_image" db:"background_image" sql:"text"`
	Rating           *float64        `json:"rating" db:"rating" sql:"numeric(3,2)"`
	Ratings          json.RawMessage `json:"ratings" db:"ratings" sql:"json"`
	RatingTop        *float64        `json:"rating_top" db:"rating_top" sql:"numeric(5,2)"`
	RatingsCount     *int64          `json:"ratings_count" db:"ratings_count" sql:"integer"`
	ReviewsTextCount *int64          `json:"reviews_text_count" db:"reviews_text_count" sql:"integer"`
	Added            *int64          `json:"added" db:"added" sql:"integer"`
	AddedByStatus    json.RawMessage `json:"added_by_status" db:"added_by_status" sql:"json"`
	Metacritic       *float64        `json:"metacritic" db:"metacritic" sql:"numeric(5,2)"`
	Playtime         *float64        `json:"playtime" db:"playtime" sql:"numeric(5,2)"`
	SuggestionsCount *int64          `json:"suggestions_count" db:"suggestions_count" sql:"integer"`
	UpdatedAt        *string         `json:"updated" db:"updated_at" sql:"timestamp"`
	ReviewsCount     *int64          `json:"reviews_count" db:"reviews_count" sql:"integer"`
	Platforms        json.RawMessage `json:"platforms" db:"platforms" sql:"json"`
	Genres           json.RawMessage `json:"genres" db:"genres" sql:"json"`
	Stores           json.RawMessage `json:"stores" db:"stores" sql:"json"`
	Tags             json.RawMessage `json:"tags" db:"tags" sql:"json"`
	ESRBRating       json.RawMessage `json:"esrb_rating" db:"esrb_rating" sql:"json"`
	ExtractedAt      *time.Time      `json:"-" db:"extracted_at" sql:"timestamp,stamp"`
}

type Genre struct {
	GenreID         int64           `json:"id" db:"genre_id" sql:"integer,pk"`
	Name            *string         `json:"name" db:"name" sql:"text"`
	Slug            *string         `json:"slug" db:"slug" sql:"text"`
	GamesCount      *int64          `json:"games_count" db:"games_count" sql:"integer"`
	ImageBackground *string         `json:"image_background" db:"image_background" sql:"text"`
	Games           json.RawMessage `json:"games" db:"games" sql:"json"`
}

type Platform struct {
	PlatformID      int64           `json:"id" db:"platform_id" sql:"integer,pk"`
	Name            *string         `json:"name" db:"name" sql:"text"`
	Slug            *string         `json:"slug" db:"slug" sql:"text"`
	GamesCount      *int64          `json:"games_count" db:"games_count" sql:"integer"`
	ImageBackground *string         `json:"image_background" db:"image_background" sql:"text"`
	Games           json.RawMessage `json:"games" db:"games" sql:"json"`
}

type Store struct {
	StoreID         int64           `json:"id" db:"store_id" sql:"integer,pk"`
	Name            *string         `json:"name" db:"name" sql:"text"`
	Domain          *string         `json:"domain" db:"domain" sql:"text"`
	Slug            *string         `json:"slug" db:"slug" sql:"text"`
	GamesCount      *int64          `json:"games_count" db:"games_count" sql:"integer"`
	ImageBackground *string         `json:"image_background" db:"image_background" sql:"text"`
	Games           json.RawMessage `json:"games" db:"games" sql:"json"`
}

type Tag struct {
	TagID           int64           `json:"id" db:"tag_id" sql:"integer,pk"`
	Name            *string         `json:"name" db:"name" sql:"text"`
	Slug            *string         `json:"slug" db:"slug" sql:"text"`
	GamesCount      *int64          `json:"games_count" db:"games_count" sql:"integer"`
	ImageBackground *string         `json:"image_background" db:"image_background" sql:"text"`
	Language        *string         `json:"language" db:"language" sql:"text"`
	Games           json.RawMessage `json:"games" db:"games" sql:"json"`
}
