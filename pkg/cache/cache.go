package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/tagsift/tagsift/pkg/domain"
)

// ErrNotFound indicates the requested feed or entry is not in the cache
var ErrNotFound = errors.New("not found")

// Tokenizer turns raw entry content into a token set
type Tokenizer interface {
	Tokenize(ctx context.Context, content string) (domain.TokenSet, error)
}

// UpdateListener is called after an entry has been accepted into the cache.
// Listeners run on the caller's goroutine but never under the cache lock.
type UpdateListener func(entryID int64, fullID string)

// Cache is the item store. Entries arrive over HTTP, are persisted
// immediately and handed to the tokenizer asynchronously. A token set is
// written back only if the entry has not been updated again in the meantime,
// so concurrent re-submissions resolve last-write-wins.
type Cache struct {
	db        *sqlx.DB
	tokenizer Tokenizer

	workers chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	listeners []UpdateListener
}

// NewCache opens the database and prepares the tokenization worker pool
func NewCache(ctx context.Context, cfg Config, tokenizer Tokenizer, workers int) (*Cache, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 4
	}
	return &Cache{db: db, tokenizer: tokenizer, workers: make(chan struct{}, workers)}, nil
}

// Close waits for in-flight tokenization and closes the database
func (c *Cache) Close() error {
	c.wg.Wait()
	return c.db.Close()
}

// OnUpdate registers a listener invoked after each accepted entry
func (c *Cache) OnUpdate(fn UpdateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Cache) notify(entryID int64, fullID string) {
	c.mu.Lock()
	listeners := make([]UpdateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(entryID, fullID)
	}
}

// CreateOrUpdateFeed inserts a feed or updates its title if the id exists
func (c *Cache) CreateOrUpdateFeed(ctx context.Context, feed domain.Feed) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO feeds (id, title) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET title = excluded.title`,
			feed.ID, feed.Title)
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("create feed: %w", err)}
		}
		return nil
	})
}

// DeleteFeed removes a feed. Its entries are kept, detached from the feed.
func (c *Cache) DeleteFeed(ctx context.Context, id int64) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM feeds WHERE id = ?", id); err != nil {
			if isLockError(err) {
				return err
			}
			return &criticalError{err: fmt.Errorf("delete feed: %w", err)}
		}
		return nil
	})
}

// FeedExists reports whether a feed with the given id is known
func (c *Cache) FeedExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := c.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM feeds WHERE id = ?)", id)
	if err != nil {
		return false, fmt.Errorf("check feed exists: %w", err)
	}
	return exists, nil
}

// CreateOrUpdateEntry upserts an entry keyed by its external full id and
// schedules its content for tokenization. Returns the internal entry id and
// whether the entry was newly created. Re-submitting the same full id updates
// the stored content in place and invalidates any pending token set.
func (c *Cache) CreateOrUpdateEntry(ctx context.Context, entry domain.Entry) (id int64, created bool, err error) {
	if entry.Updated.IsZero() {
		entry.Updated = time.Now()
	}

	var generation int64
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	err = retrier.Do(ctx, func() error {
		return inTransaction(ctx, c.db, func(tx *sqlx.Tx) error {
			var existing struct {
				ID         int64 `db:"id"`
				Generation int64 `db:"token_generation"`
			}
			selErr := tx.GetContext(ctx, &existing,
				"SELECT id, token_generation FROM entries WHERE full_id = ?", entry.FullID)

			switch {
			case errors.Is(selErr, sql.ErrNoRows):
				res, insErr := tx.ExecContext(ctx, `
					INSERT INTO entries (full_id, feed_id, content, updated, token_generation, tokenized)
					VALUES (?, ?, ?, ?, 1, 0)`,
					entry.FullID, entry.FeedID, entry.Content, entry.Updated)
				if insErr != nil {
					if isLockError(insErr) {
						return insErr
					}
					return &criticalError{err: fmt.Errorf("insert entry: %w", insErr)}
				}
				id, _ = res.LastInsertId()
				generation = 1
				created = true
			case selErr != nil:
				if isLockError(selErr) {
					return selErr
				}
				return &criticalError{err: fmt.Errorf("lookup entry: %w", selErr)}
			default:
				generation = existing.Generation + 1
				_, updErr := tx.ExecContext(ctx, `
					UPDATE entries SET content = ?, updated = ?, token_generation = ?, tokenized = 0
					WHERE id = ?`,
					entry.Content, entry.Updated, generation, existing.ID)
				if updErr != nil {
					if isLockError(updErr) {
						return updErr
					}
					return &criticalError{err: fmt.Errorf("update entry: %w", updErr)}
				}
				id = existing.ID
				created = false
			}
			return nil
		})
	})
	if err != nil {
		return 0, false, err
	}

	c.scheduleTokenize(id, entry.Content, generation)
	c.notify(id, entry.FullID)
	return id, created, nil
}

// DeleteEntry removes an entry and its tokens in one transaction. Deleting an
// unknown full id is a no-op.
func (c *Cache) DeleteEntry(ctx context.Context, fullID string) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		err := inTransaction(ctx, c.db, func(tx *sqlx.Tx) error {
			var id int64
			selErr := tx.GetContext(ctx, &id, "SELECT id FROM entries WHERE full_id = ?", fullID)
			if errors.Is(selErr, sql.ErrNoRows) {
				return nil
			}
			if selErr != nil {
				return selErr
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM tokens WHERE entry_id = ?", id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			if isLockError(err) {
				return err
			}
			return &criticalError{err: fmt.Errorf("delete entry %s: %w", fullID, err)}
		}
		return nil
	})
}

// GetEntry returns an entry by its external full id
func (c *Cache) GetEntry(ctx context.Context, fullID string) (domain.Entry, error) {
	var entry domain.Entry
	err := c.db.GetContext(ctx, &entry, "SELECT * FROM entries WHERE full_id = ?", fullID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entry{}, ErrNotFound
	}
	if err != nil {
		return domain.Entry{}, fmt.Errorf("get entry %s: %w", fullID, err)
	}
	return entry, nil
}

// GetEntryByID returns an entry by its internal id
func (c *Cache) GetEntryByID(ctx context.Context, id int64) (domain.Entry, error) {
	var entry domain.Entry
	err := c.db.GetContext(ctx, &entry, "SELECT * FROM entries WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entry{}, ErrNotFound
	}
	if err != nil {
		return domain.Entry{}, fmt.Errorf("get entry %d: %w", id, err)
	}
	return entry, nil
}

// TokensFor returns the token set of a tokenized entry. ErrNotFound covers
// both unknown and not-yet-tokenized entries, which look the same to a reader.
func (c *Cache) TokensFor(ctx context.Context, entryID int64) (domain.TokenSet, error) {
	var tokenized bool
	err := c.db.GetContext(ctx, &tokenized, "SELECT tokenized FROM entries WHERE id = ?", entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check entry %d: %w", entryID, err)
	}
	if !tokenized {
		return nil, ErrNotFound
	}

	var rows []domain.Token
	if err := c.db.SelectContext(ctx, &rows,
		"SELECT token, frequency FROM tokens WHERE entry_id = ?", entryID); err != nil {
		return nil, fmt.Errorf("load tokens for entry %d: %w", entryID, err)
	}

	set := make(domain.TokenSet, len(rows))
	for _, row := range rows {
		set[row.Text] = row.Frequency
	}
	return set, nil
}

// CandidatesSince returns tokenized entries updated after the horizon with at
// least minTokens distinct tokens, newest first
func (c *Cache) CandidatesSince(ctx context.Context, since time.Time, minTokens int) ([]domain.Entry, error) {
	var entries []domain.Entry
	err := c.db.SelectContext(ctx, &entries, `
		SELECT e.* FROM entries e
		WHERE e.tokenized = 1 AND e.updated >= ?
		  AND (SELECT COUNT(*) FROM tokens t WHERE t.entry_id = e.id) >= ?
		ORDER BY e.updated DESC`, since, minTokens)
	if err != nil {
		return nil, fmt.Errorf("load candidate entries: %w", err)
	}
	return entries, nil
}

// RandomBackground aggregates tokens from up to sampleSize random tokenized
// entries into one pool used for probability smoothing
func (c *Cache) RandomBackground(ctx context.Context, sampleSize int) (domain.TokenSet, error) {
	var rows []domain.Token
	err := c.db.SelectContext(ctx, &rows, `
		SELECT t.token, SUM(t.frequency) AS frequency FROM tokens t
		WHERE t.entry_id IN (SELECT id FROM entries WHERE tokenized = 1 ORDER BY RANDOM() LIMIT ?)
		GROUP BY t.token`, sampleSize)
	if err != nil {
		return nil, fmt.Errorf("load background tokens: %w", err)
	}

	set := make(domain.TokenSet, len(rows))
	for _, row := range rows {
		set[row.Text] = row.Frequency
	}
	return set, nil
}

// scheduleTokenize hands entry content to the worker pool. The generation
// captured here guards the write-back: if the entry was updated again before
// the tokenizer answered, the stale result is dropped.
func (c *Cache) scheduleTokenize(entryID int64, content string, generation int64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.workers <- struct{}{}
		defer func() { <-c.workers }()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		tokens, err := c.tokenizer.Tokenize(ctx, content)
		if err != nil {
			lgr.Printf("[WARN] tokenize entry %d failed: %v", entryID, err)
			return
		}
		if err := c.storeTokens(ctx, entryID, generation, tokens); err != nil {
			lgr.Printf("[WARN] store tokens for entry %d: %v", entryID, err)
		}
	}()
}

// storeTokens writes the token set and marks the entry tokenized, but only if
// the entry's generation still matches the one captured at schedule time
func (c *Cache) storeTokens(ctx context.Context, entryID, generation int64, tokens domain.TokenSet) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		err := inTransaction(ctx, c.db, func(tx *sqlx.Tx) error {
			var current int64
			selErr := tx.GetContext(ctx, &current,
				"SELECT token_generation FROM entries WHERE id = ?", entryID)
			if errors.Is(selErr, sql.ErrNoRows) {
				return nil // entry deleted while tokenizing
			}
			if selErr != nil {
				return selErr
			}
			if current != generation {
				return nil // superseded by a newer submission
			}

			if _, err := tx.ExecContext(ctx, "DELETE FROM tokens WHERE entry_id = ?", entryID); err != nil {
				return err
			}
			for token, freq := range tokens {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO tokens (entry_id, token, frequency) VALUES (?, ?, ?)",
					entryID, token, freq); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE entries SET tokenized = 1 WHERE id = ?", entryID); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			if isLockError(err) {
				return err // repeater will retry this
			}
			return &criticalError{err: fmt.Errorf("store tokens: %w", err)}
		}
		return nil
	})
}
