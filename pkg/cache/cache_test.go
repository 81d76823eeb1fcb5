package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagsift/tagsift/pkg/domain"
)

// mockTokenizer returns canned token sets keyed by content, optionally gated
// on a channel to simulate a slow tokenizer service
type mockTokenizer struct {
	mu      sync.Mutex
	results map[string]domain.TokenSet
	errs    map[string]error
	gate    map[string]chan struct{}
}

func newMockTokenizer() *mockTokenizer {
	return &mockTokenizer{
		results: map[string]domain.TokenSet{},
		errs:    map[string]error{},
		gate:    map[string]chan struct{}{},
	}
}

func (m *mockTokenizer) Tokenize(ctx context.Context, content string) (domain.TokenSet, error) {
	m.mu.Lock()
	gate := m.gate[content]
	res, err := m.results[content], m.errs[content]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func setupCache(t *testing.T, tok Tokenizer) *Cache {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "cache.db") + "?mode=rwc&_txlock=immediate"
	c, err := NewCache(context.Background(), Config{DSN: dsn}, tok, 2)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func waitTokenized(t *testing.T, c *Cache, id int64) domain.TokenSet {
	t.Helper()
	var tokens domain.TokenSet
	require.Eventually(t, func() bool {
		var err error
		tokens, err = c.TokensFor(context.Background(), id)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return tokens
}

func TestCache_CreateOrUpdateEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("create then update in place", func(t *testing.T) {
		tok := newMockTokenizer()
		tok.results["first version"] = domain.TokenSet{"first": 1, "version": 1}
		tok.results["second version"] = domain.TokenSet{"second": 2, "version": 1}
		c := setupCache(t, tok)

		id, created, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:item:1", Content: "first version"})
		require.NoError(t, err)
		assert.True(t, created)

		tokens := waitTokenized(t, c, id)
		assert.Equal(t, domain.TokenSet{"first": 1, "version": 1}, tokens)

		id2, created, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:item:1", Content: "second version"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, id, id2, "update keeps the internal id")

		require.Eventually(t, func() bool {
			got, err := c.TokensFor(ctx, id)
			return err == nil && got["second"] == 2
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("stale tokenizer response is dropped", func(t *testing.T) {
		tok := newMockTokenizer()
		gate := make(chan struct{})
		tok.gate["slow content"] = gate
		tok.results["slow content"] = domain.TokenSet{"slow": 1}
		tok.results["fast content"] = domain.TokenSet{"fast": 1}
		c := setupCache(t, tok)

		_, _, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:item:2", Content: "slow content"})
		require.NoError(t, err)
		id, _, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:item:2", Content: "fast content"})
		require.NoError(t, err)

		tokens := waitTokenized(t, c, id)
		require.Equal(t, domain.TokenSet{"fast": 1}, tokens)

		close(gate) // let the slow first response land now
		time.Sleep(100 * time.Millisecond)
		tokens, err = c.TokensFor(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TokenSet{"fast": 1}, tokens, "superseded response must not overwrite")
	})

	t.Run("tokenizer failure leaves entry pending", func(t *testing.T) {
		tok := newMockTokenizer()
		tok.errs["bad content"] = fmt.Errorf("tokenizer down")
		c := setupCache(t, tok)

		id, _, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:item:3", Content: "bad content"})
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		_, err = c.TokensFor(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)

		entry, err := c.GetEntryByID(ctx, id)
		require.NoError(t, err)
		assert.False(t, entry.Tokenized)
		assert.Equal(t, "bad content", entry.Content)
	})

	t.Run("listener notified without blocking accept", func(t *testing.T) {
		tok := newMockTokenizer()
		tok.results["x"] = domain.TokenSet{"x": 1}
		c := setupCache(t, tok)

		var mu sync.Mutex
		var seen []string
		c.OnUpdate(func(entryID int64, fullID string) {
			mu.Lock()
			seen = append(seen, fullID)
			mu.Unlock()
		})

		_, _, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:item:4", Content: "x"})
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"urn:item:4"}, seen)
	})
}

func TestCache_DeleteEntry(t *testing.T) {
	ctx := context.Background()
	tok := newMockTokenizer()
	tok.results["doomed"] = domain.TokenSet{"doomed": 3}
	c := setupCache(t, tok)

	id, _, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:item:del", Content: "doomed"})
	require.NoError(t, err)
	waitTokenized(t, c, id)

	require.NoError(t, c.DeleteEntry(ctx, "urn:item:del"))

	_, err = c.GetEntry(ctx, "urn:item:del")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.TokensFor(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting again is a no-op
	assert.NoError(t, c.DeleteEntry(ctx, "urn:item:del"))
	assert.NoError(t, c.DeleteEntry(ctx, "urn:item:never-existed"))
}

func TestCache_Feeds(t *testing.T) {
	ctx := context.Background()
	c := setupCache(t, newMockTokenizer())

	require.NoError(t, c.CreateOrUpdateFeed(ctx, domain.Feed{ID: 7, Title: "news"}))
	exists, err := c.FeedExists(ctx, 7)
	require.NoError(t, err)
	assert.True(t, exists)

	// same id again updates the title
	require.NoError(t, c.CreateOrUpdateFeed(ctx, domain.Feed{ID: 7, Title: "renamed"}))

	require.NoError(t, c.DeleteFeed(ctx, 7))
	exists, err = c.FeedExists(ctx, 7)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCache_CandidatesSince(t *testing.T) {
	ctx := context.Background()
	tok := newMockTokenizer()
	tok.results["rich"] = domain.TokenSet{"a": 1, "b": 1, "c": 1}
	tok.results["poor"] = domain.TokenSet{"a": 1}
	c := setupCache(t, tok)

	richID, _, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:rich", Content: "rich", Updated: time.Now()})
	require.NoError(t, err)
	_, _, err = c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:poor", Content: "poor", Updated: time.Now()})
	require.NoError(t, err)
	_, _, err = c.CreateOrUpdateEntry(ctx, domain.Entry{
		FullID: "urn:old", Content: "rich", Updated: time.Now().Add(-48 * time.Hour)})
	require.NoError(t, err)

	waitTokenized(t, c, richID)
	require.Eventually(t, func() bool {
		entries, err := c.CandidatesSince(ctx, time.Now().Add(-time.Hour), 2)
		return err == nil && len(entries) == 1 && entries[0].FullID == "urn:rich"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCache_RandomBackground(t *testing.T) {
	ctx := context.Background()
	tok := newMockTokenizer()
	tok.results["one"] = domain.TokenSet{"shared": 2, "one": 1}
	tok.results["two"] = domain.TokenSet{"shared": 3, "two": 1}
	c := setupCache(t, tok)

	id1, _, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:bg:1", Content: "one"})
	require.NoError(t, err)
	id2, _, err := c.CreateOrUpdateEntry(ctx, domain.Entry{FullID: "urn:bg:2", Content: "two"})
	require.NoError(t, err)
	waitTokenized(t, c, id1)
	waitTokenized(t, c, id2)

	bg, err := c.RandomBackground(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, bg["shared"], "frequencies aggregate across entries")
	assert.Equal(t, 1, bg["one"])
	assert.Equal(t, 1, bg["two"])
}
