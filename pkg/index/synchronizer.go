package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/tagsift/tagsift/pkg/tag"
)

// Fetcher retrieves the raw index document, conditionally on refetch
type Fetcher interface {
	FetchRaw(ctx context.Context, url string, knownUpdated time.Time) ([]byte, tag.Outcome, string)
}

// Scheduler admits classification jobs, deduplicating by tag reference
type Scheduler interface {
	Schedule(reference string, targets []string) error
}

// Synchronizer keeps the registry of known tags in sync with a remote tag
// index and schedules classification work: a full job per tag when the tag
// first appears, and a targeted job per tag for every new item that lands in
// the cache. The engine's dedup collapses bursts of item events into one job.
type Synchronizer struct {
	url       string
	interval  time.Duration
	fetcher   Fetcher
	scheduler Scheduler

	mu       sync.Mutex
	registry map[string]string // tag id -> training url
	updated  time.Time
}

// New creates a synchronizer for the index at url, refreshed every interval
func New(url string, interval time.Duration, fetcher Fetcher, scheduler Scheduler) *Synchronizer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Synchronizer{
		url:       url,
		interval:  interval,
		fetcher:   fetcher,
		scheduler: scheduler,
		registry:  map[string]string{},
	}
}

// Resolve maps a tag id from the registry to its training URL. Installed as
// the engine's reference resolver.
func (s *Synchronizer) Resolve(reference string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url, ok := s.registry[reference]
	return url, ok
}

// TrainingURLs returns the training URLs of all known tags
func (s *Synchronizer) TrainingURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.registry))
	for _, url := range s.registry {
		urls = append(urls, url)
	}
	return urls
}

// Run refreshes the registry immediately and then on every tick until the
// context is cancelled
func (s *Synchronizer) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		lgr.Printf("[WARN] initial tag index refresh: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				lgr.Printf("[WARN] tag index refresh: %v", err)
			}
		}
	}
}

// Refresh fetches the index, conditionally on its last known updated time,
// and schedules a full classification job for every tag that is new to the
// registry
func (s *Synchronizer) Refresh(ctx context.Context) error {
	if s.url == "" {
		return nil
	}

	s.mu.Lock()
	known := s.updated
	s.mu.Unlock()

	body, outcome, cause := s.fetcher.FetchRaw(ctx, s.url, known)
	switch outcome {
	case tag.NotModified:
		return nil
	case tag.Unreachable, tag.Invalid:
		return fmt.Errorf("fetch tag index %s: %s", s.url, cause)
	}

	entries, updated, err := tag.ParseIndex(body)
	if err != nil {
		return err
	}

	var added []string
	s.mu.Lock()
	registry := make(map[string]string, len(entries))
	for _, entry := range entries {
		registry[entry.ID] = entry.TrainingURL
		if _, ok := s.registry[entry.ID]; !ok {
			added = append(added, entry.TrainingURL)
		}
	}
	s.registry = registry
	s.updated = updated
	s.mu.Unlock()

	lgr.Printf("[INFO] tag index refreshed, %d tags known, %d new", len(entries), len(added))
	for _, url := range added {
		if err := s.scheduler.Schedule(url, nil); err != nil {
			lgr.Printf("[WARN] schedule job for new tag %s: %v", url, err)
		}
	}
	return nil
}

// OnEntryUpdate schedules a targeted job for every known tag when an item
// lands in the cache. Registered as an item cache update listener.
func (s *Synchronizer) OnEntryUpdate(_ int64, fullID string) {
	for _, url := range s.TrainingURLs() {
		if err := s.scheduler.Schedule(url, []string{fullID}); err != nil {
			lgr.Printf("[WARN] schedule job for %s on new item %s: %v", url, fullID, err)
		}
	}
}
