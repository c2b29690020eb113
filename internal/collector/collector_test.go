package collector

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"rawgetl/internal/rawg"
	"rawgetl/internal/resource"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher serves pages[i] for page i+1 and records every request.
type scriptedFetcher struct {
	pages    []rawg.Page
	requests []rawg.Request
	failAt   int
	err      error
	forever  bool // return an empty page with next for pages past the script
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, r rawg.Request) (rawg.Page, error) {
	f.requests = append(f.requests, r)
	if f.failAt == r.Page {
		return rawg.Page{}, f.err
	}
	if r.Page-1 < len(f.pages) {
		return f.pages[r.Page-1], nil
	}
	if f.forever {
		return emptyPage(true), nil
	}
	return emptyPage(false), nil
}

func records(n int) []rawg.RawRecord {
	out := make([]rawg.RawRecord, n)
	for i := range out {
		out[i] = rawg.RawRecord{"id": i}
	}
	return out
}

func next() *string {
	s := "https://api.rawg.io/api/games?page=next"
	return &s
}

func fullPage(n int, hasNext bool) rawg.Page {
	p := rawg.Page{Count: n, Results: records(n)}
	if hasNext {
		p.Next = next()
	}
	return p
}

func emptyPage(hasNext bool) rawg.Page { return fullPage(0, hasNext) }

var gamesEP = resource.GameSpec.Endpoint

func TestCollect_EmptyPageWithNextDoesNotStopOrCount(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{pages: []rawg.Page{fullPage(40, true), emptyPage(true), emptyPage(false)}}
	got, cur, err := New(f, Options{}).Collect(context.Background(), resource.Games, gamesEP, "2024-01-01")
	require.NoError(t, err)
	require.Len(t, got, 40)
	require.Equal(t, 1, cur.NonEmptyPages)
	require.Equal(t, 3, cur.Page)
	require.Len(t, f.requests, 3)
}

func TestCollect_StopsAtMaxNonEmptyPages(t *testing.T) {
	t.Parallel()

	pages := []rawg.Page{fullPage(2, true), emptyPage(true), fullPage(2, true), fullPage(2, true), fullPage(2, true)}
	f := &scriptedFetcher{pages: pages}
	got, cur, err := New(f, Options{MaxPages: 3}).Collect(context.Background(), resource.Tags, resource.TagSpec.Endpoint, "")
	require.NoError(t, err)
	require.Len(t, got, 6)
	require.Equal(t, 3, cur.NonEmptyPages)
	require.Equal(t, 4, cur.Page)
}

func TestCollect_StopsWhenNoNext(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{pages: []rawg.Page{fullPage(19, true), fullPage(5, false), fullPage(19, true)}}
	got, cur, err := New(f, Options{}).Collect(context.Background(), resource.Genres, resource.GenreSpec.Endpoint, "")
	require.NoError(t, err)
	require.Len(t, got, 24)
	require.Equal(t, 2, cur.Page)
	require.Equal(t, 24, cur.Records)
}

func TestCollect_PreservesPageOrder(t *testing.T) {
	t.Parallel()

	p1 := rawg.Page{Results: []rawg.RawRecord{{"id": 1}, {"id": 2}}, Next: next()}
	p2 := rawg.Page{Results: []rawg.RawRecord{{"id": 3}, {"id": 1}}}
	f := &scriptedFetcher{pages: []rawg.Page{p1, p2}}
	got, _, err := New(f, Options{}).Collect(context.Background(), resource.Stores, resource.StoreSpec.Endpoint, "")
	require.NoError(t, err)

	var ids []any
	for _, r := range got {
		ids = append(ids, r["id"])
	}
	require.Equal(t, []any{1, 2, 3, 1}, ids, "no dedupe, page order kept")
}

func TestCollect_RequestsCarryEndpointAndDates(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{pages: []rawg.Page{fullPage(1, false)}}
	_, cur, err := New(f, Options{}).Collect(context.Background(), resource.Games, gamesEP, "2024-03-05")
	require.NoError(t, err)
	require.Equal(t, "2024-03-05,2024-03-05", cur.Dates)
	require.Equal(t, rawg.Request{Path: "games", Ordering: "released", Page: 1, PageSize: 40, Dates: "2024-03-05,2024-03-05"}, f.requests[0])

	// unpartitioned endpoints ignore the partition
	f = &scriptedFetcher{pages: []rawg.Page{fullPage(1, false)}}
	_, _, err = New(f, Options{}).Collect(context.Background(), resource.Platforms, resource.PlatformSpec.Endpoint, "2024-03-05")
	require.NoError(t, err)
	require.Empty(t, f.requests[0].Dates)
}

func TestCollect_EmptyPageBoundStopsEndlessNext(t *testing.T) {
	t.Parallel()

	logger, hook := logtest.NewNullLogger()
	f := &scriptedFetcher{forever: true}
	got, cur, err := New(f, Options{MaxEmptyPages: 5, Logger: logger}).Collect(context.Background(), resource.Tags, resource.TagSpec.Endpoint, "")
	require.NoError(t, err)
	require.Empty(t, got)
	require.Equal(t, 5, cur.EmptyPages)
	require.Len(t, f.requests, 5)
	require.NotNil(t, hook.LastEntry())
}

func TestCollect_FetchErrorDiscardsRecords(t *testing.T) {
	t.Parallel()

	boom := &rawg.UpstreamError{Op: "status", StatusCode: 503}
	f := &scriptedFetcher{pages: []rawg.Page{fullPage(40, true), fullPage(40, true)}, failAt: 2, err: boom}
	got, cur, err := New(f, Options{}).Collect(context.Background(), resource.Games, gamesEP, "2024-01-01")
	require.Nil(t, got)
	require.Equal(t, 2, cur.Page)
	require.ErrorIs(t, err, boom)
	require.True(t, rawg.IsRetryable(err))
	require.Contains(t, err.Error(), "collect games page 2")
}

func TestCollect_HonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &scriptedFetcher{pages: []rawg.Page{fullPage(1, true)}}
	_, _, err := New(f, Options{}).Collect(ctx, resource.Games, gamesEP, "2024-01-01")
	require.True(t, errors.Is(err, context.Canceled), fmt.Sprint(err))
	require.Empty(t, f.requests)
}
