// Package collector walks the pages of one RAWG endpoint for one run.
package collector

import (
	"context"
	"fmt"

	"rawgetl/internal/logging"
	"rawgetl/internal/rawg"
	"rawgetl/internal/resource"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxPages bounds the number of non-empty pages per run.
	DefaultMaxPages = 20
	// DefaultMaxEmptyPages bounds consecutive empty pages that still advertise a next page.
	DefaultMaxEmptyPages = 20
)

// Fetcher is the part of *rawg.Client the collector needs.
type Fetcher interface {
	FetchPage(ctx context.Context, r rawg.Request) (rawg.Page, error)
}

// Cursor is the paging state of one collection. It is returned for logging
// and tests and never persisted.
type Cursor struct {
	// Page is the last page requested (1-based).
	Page          int
	NonEmptyPages int
	// EmptyPages counts consecutive empty pages at the current position.
	EmptyPages int
	Records    int
	Dates      string
}

// Options configures a Collector. Zero values pick the defaults.
type Options struct {
	MaxPages      int
	MaxEmptyPages int
	Logger        log.FieldLogger
}

// Collector is safe for concurrent use if its Fetcher is.
type Collector struct {
	f        Fetcher
	maxPages int
	maxEmpty int
	log      log.FieldLogger
}

func New(f Fetcher, opts Options) *Collector {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	maxEmpty := opts.MaxEmptyPages
	if maxEmpty <= 0 {
		maxEmpty = DefaultMaxEmptyPages
	}
	return &Collector{f: f, maxPages: maxPages, maxEmpty: maxEmpty, log: logging.OrDiscard(opts.Logger)}
}

// Collect fetches pages starting at 1 and concatenates their results in page order.
//
// Stop rules:
//   - an empty page without a next pointer ends the walk
//   - an empty page with a next pointer is skipped and does not count
//     towards MaxPages (unless MaxEmptyPages such pages arrive in a row)
//   - a non-empty page ends the walk when it is the MaxPages-th non-empty
//     page or carries no next pointer
//
// partition is used only for partitioned endpoints, as dates=partition,partition.
// On error nothing collected so far is returned.
func (c *Collector) Collect(ctx context.Context, kind resource.Kind, ep resource.Endpoint, partition string) ([]rawg.RawRecord, Cursor, error) {
	cur := Cursor{Page: 1}
	if ep.Partitioned && partition != "" {
		cur.Dates = partition + "," + partition
	}
	logger := c.log.WithFields(log.Fields{"resource": kind, "partition": partition})

	var out []rawg.RawRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, cur, fmt.Errorf("collect %s page %d: %w", kind, cur.Page, err)
		}

		page, err := c.f.FetchPage(ctx, rawg.Request{
			Path:     ep.Path,
			Ordering: ep.Ordering,
			Page:     cur.Page,
			PageSize: ep.PageSize,
			Dates:    cur.Dates,
		})
		if err != nil {
			return nil, cur, fmt.Errorf("collect %s page %d: %w", kind, cur.Page, err)
		}

		if len(page.Results) == 0 {
			cur.EmptyPages++
			if !page.HasNext() {
				logger.WithField("page", cur.Page).Debug("empty page without next, stopping")
				break
			}
			if cur.EmptyPages >= c.maxEmpty {
				logger.WithFields(log.Fields{"page": cur.Page, "empty_pages": cur.EmptyPages}).
					Warn("too many consecutive empty pages, stopping")
				break
			}
		} else {
			cur.EmptyPages = 0
			out = append(out, page.Results...)
			cur.NonEmptyPages++
			cur.Records += len(page.Results)
			if cur.NonEmptyPages >= c.maxPages {
				logger.WithField("pages", cur.NonEmptyPages).Info("page limit reached")
				break
			}
			if !page.HasNext() {
				break
			}
		}
		cur.Page++
	}

	logger.WithFields(log.Fields{
		"pages":   cur.NonEmptyPages,
		"records": cur.Records,
	}).Debug("collected")
	return out, cur, nil
}
