package tag

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/tagsift/tagsift/pkg/classifier"
	"github.com/tagsift/tagsift/pkg/domain"
)

// clue-path errors, mapped to HTTP statuses by the server
var (
	// ErrPending means a fetch was started, ask again later
	ErrPending = errors.New("tag not yet cached")
	// ErrIncomplete means the tag is cached but example items are still missing
	ErrIncomplete = errors.New("tag training incomplete")
	// ErrFetchFailed means the last fetch failed and the tag is treated as unknown
	ErrFetchFailed = errors.New("tag could not be retrieved")
)

// ItemStore is the slice of the item cache the tag cache needs for training
type ItemStore interface {
	GetEntry(ctx context.Context, fullID string) (domain.Entry, error)
	TokensFor(ctx context.Context, entryID int64) (domain.TokenSet, error)
	RandomBackground(ctx context.Context, sampleSize int) (domain.TokenSet, error)
}

type cached struct {
	tag     *Tag
	model   *classifier.Model // built lazily, invalidated when the tag changes
	modelAt time.Time         // tag.Updated the model was built from
}

// Cache holds fetched tag documents keyed by training URL. At most one fetch
// per URL is in flight at a time; concurrent callers wait for its outcome.
// Failed fetches are remembered so the synchronous clue path can report them
// without refetching on every query.
type Cache struct {
	fetcher *Fetcher
	store   ItemStore
	bgSize  int

	mu       sync.Mutex
	tags     map[string]*cached
	inflight map[string]chan struct{}
	failures map[string]string
}

// NewCache creates a tag cache. backgroundSize bounds the random item sample
// used for the classifier background pool.
func NewCache(fetcher *Fetcher, store ItemStore, backgroundSize int) *Cache {
	if backgroundSize <= 0 {
		backgroundSize = 1000
	}
	return &Cache{
		fetcher:  fetcher,
		store:    store,
		bgSize:   backgroundSize,
		tags:     map[string]*cached{},
		inflight: map[string]chan struct{}{},
		failures: map[string]string{},
	}
}

// Tag returns the cached document for a training URL
func (c *Cache) Tag(url string) (*Tag, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.tags[url]; ok {
		return entry.tag, true
	}
	return nil, false
}

// Refresh fetches the tag document, conditionally if a copy is cached. If a
// fetch for the same URL is already in flight the call waits for it and
// reports its outcome instead of issuing a second request. On NotModified the
// returned result carries the cached tag.
func (c *Cache) Refresh(ctx context.Context, url string) Result {
	c.mu.Lock()
	if ch, ok := c.inflight[url]; ok {
		c.mu.Unlock()
		select {
		case <-ch:
			return c.snapshot(url)
		case <-ctx.Done():
			return Result{Outcome: Unreachable, Cause: ctx.Err().Error()}
		}
	}

	ch := make(chan struct{})
	c.inflight[url] = ch
	var known time.Time
	if entry, ok := c.tags[url]; ok {
		known = entry.tag.Updated
	}
	c.mu.Unlock()

	res := c.fetcher.Fetch(ctx, url, known)

	c.mu.Lock()
	switch res.Outcome {
	case Fresh:
		c.tags[url] = &cached{tag: res.Tag}
		delete(c.failures, url)
	case NotModified:
		delete(c.failures, url)
		if entry, ok := c.tags[url]; ok {
			res.Tag = entry.tag
		}
	case Unreachable, Invalid:
		c.failures[url] = res.Cause
	}
	delete(c.inflight, url)
	close(ch)
	c.mu.Unlock()

	return res
}

// snapshot reports the post-fetch state for callers who waited on an
// in-flight fetch
func (c *Cache) snapshot(url string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cause, ok := c.failures[url]; ok {
		return Result{Outcome: Unreachable, Cause: cause}
	}
	if entry, ok := c.tags[url]; ok {
		return Result{Outcome: NotModified, Tag: entry.tag}
	}
	return Result{Outcome: Unreachable, Cause: "fetch produced no document"}
}

// TrainModel builds a scoring model for the tag from cached items. When some
// example items are not yet in the item cache, or not yet tokenized, it
// returns them instead of a model so the caller can wait and retry.
func (c *Cache) TrainModel(ctx context.Context, t *Tag) (*classifier.Model, []Example, error) {
	positive, missingPos, err := c.trainPool(ctx, t.PositiveExamples)
	if err != nil {
		return nil, nil, err
	}
	negative, missingNeg, err := c.trainPool(ctx, t.NegativeExamples)
	if err != nil {
		return nil, nil, err
	}
	if missing := append(missingPos, missingNeg...); len(missing) > 0 {
		return nil, missing, nil
	}

	bgTokens, err := c.store.RandomBackground(ctx, c.bgSize)
	if err != nil {
		return nil, nil, err
	}
	background := classifier.NewPool()
	background.Add(bgTokens)

	return classifier.NewModel(positive, negative, background, t.Bias), nil, nil
}

func (c *Cache) trainPool(ctx context.Context, examples []Example) (*classifier.Pool, []Example, error) {
	pool := classifier.NewPool()
	var missing []Example
	for _, example := range examples {
		entry, err := c.store.GetEntry(ctx, example.FullID)
		if err != nil {
			missing = append(missing, example)
			continue
		}
		tokens, err := c.store.TokensFor(ctx, entry.ID)
		if err != nil {
			missing = append(missing, example)
			continue
		}
		pool.Add(tokens)
	}
	return pool, missing, nil
}

// Model returns a ready-to-score model for the tag at url, for the
// synchronous clue path. Unfetched tags start a background fetch and report
// ErrPending; tags whose last fetch failed report ErrFetchFailed; cached tags
// with missing example items report ErrIncomplete.
func (c *Cache) Model(ctx context.Context, url string) (*classifier.Model, *Tag, error) {
	c.mu.Lock()
	if cause, ok := c.failures[url]; ok {
		c.mu.Unlock()
		lgr.Printf("[DEBUG] clue query for failed tag %s: %s", url, cause)
		return nil, nil, ErrFetchFailed
	}
	entry, ok := c.tags[url]
	if !ok {
		c.mu.Unlock()
		go func() {
			fctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			res := c.Refresh(fctx, url)
			if res.Outcome == Unreachable || res.Outcome == Invalid {
				lgr.Printf("[WARN] background tag fetch %s failed: %s", url, res.Cause)
			}
		}()
		return nil, nil, ErrPending
	}
	if entry.model != nil && entry.modelAt.Equal(entry.tag.Updated) {
		model, t := entry.model, entry.tag
		c.mu.Unlock()
		return model, t, nil
	}
	t := entry.tag
	c.mu.Unlock()

	model, missing, err := c.TrainModel(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	if len(missing) > 0 {
		return nil, nil, ErrIncomplete
	}

	c.mu.Lock()
	if current, ok := c.tags[url]; ok && current.tag == t {
		current.model = model
		current.modelAt = t.Updated
	}
	c.mu.Unlock()

	return model, t, nil
}
