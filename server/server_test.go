package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tagsift/tagsift/pkg/auth"
	"github.com/tagsift/tagsift/pkg/classifier"
	"github.com/tagsift/tagsift/pkg/domain"
	"github.com/tagsift/tagsift/pkg/engine"
	"github.com/tagsift/tagsift/pkg/tag"
)

type mockConfig struct{}

func (mockConfig) GetServerConfig() (listen string, timeout time.Duration) {
	return "127.0.0.1:0", 5 * time.Second
}

type mockCache struct {
	mu      sync.Mutex
	feeds   map[int64]domain.Feed
	entries map[string]domain.Entry
	tokens  map[int64]domain.TokenSet
	deleted []string
	nextID  int64
}

func newMockCache() *mockCache {
	return &mockCache{
		feeds:   map[int64]domain.Feed{},
		entries: map[string]domain.Entry{},
		tokens:  map[int64]domain.TokenSet{},
	}
}

func (m *mockCache) CreateOrUpdateFeed(_ context.Context, feed domain.Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[feed.ID] = feed
	return nil
}

func (m *mockCache) DeleteFeed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.feeds, id)
	return nil
}

func (m *mockCache) FeedExists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.feeds[id]
	return ok, nil
}

func (m *mockCache) CreateOrUpdateEntry(_ context.Context, entry domain.Entry) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[entry.FullID]; ok {
		entry.ID = existing.ID
		m.entries[entry.FullID] = entry
		return existing.ID, false, nil
	}
	m.nextID++
	entry.ID = m.nextID
	m.entries[entry.FullID] = entry
	return entry.ID, true, nil
}

func (m *mockCache) DeleteEntry(_ context.Context, fullID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, fullID)
	delete(m.entries, fullID)
	return nil
}

func (m *mockCache) GetEntry(_ context.Context, fullID string) (domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[fullID]
	if !ok {
		return domain.Entry{}, errors.New("entry not found")
	}
	return entry, nil
}

func (m *mockCache) TokensFor(_ context.Context, entryID int64) (domain.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens, ok := m.tokens[entryID]
	if !ok {
		return nil, errors.New("not tokenized")
	}
	return tokens, nil
}

type mockEngine struct {
	mu         sync.Mutex
	jobs       map[string]domain.JobStatus
	enqueueErr error
	lastRef    string
}

func newMockEngine() *mockEngine {
	return &mockEngine{jobs: map[string]domain.JobStatus{}}
}

func (m *mockEngine) Enqueue(reference string, _ []string) (domain.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return domain.JobStatus{}, m.enqueueErr
	}
	m.lastRef = reference
	status := domain.JobStatus{ID: "job-1", TagReference: reference, State: domain.JobQueued}
	m.jobs[status.ID] = status
	return status, nil
}

func (m *mockEngine) Job(id string) (domain.JobStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.jobs[id]
	return status, ok
}

func (m *mockEngine) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return engine.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

type mockClues struct {
	model *classifier.Model
	err   error
}

func (m *mockClues) Model(_ context.Context, _ string) (*classifier.Model, *tag.Tag, error) {
	return m.model, nil, m.err
}

func startTestServer(t *testing.T, cache ItemCache, eng JobEngine, clues ClueSource, authStore *auth.Store) *httptest.Server {
	t.Helper()
	srv := New(mockConfig{}, cache, eng, clues, authStore, "1.0", false)
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestServer_About(t *testing.T) {
	ts := startTestServer(t, newMockCache(), newMockEngine(), &mockClues{}, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+"/classifier", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := readBody(t, resp)
	assert.Contains(t, body, "<classifier>")
	assert.Contains(t, body, "<version>1.0</version>")
}

func TestServer_CreateFeed(t *testing.T) {
	cache := newMockCache()
	ts := startTestServer(t, cache, newMockEngine(), &mockClues{}, nil)

	feedDoc := `<?xml version="1.0"?>
<entry xmlns="http://www.w3.org/2005/Atom">
  <id>urn:peerworks.org:feed#42</id>
  <title>Example Feed</title>
</entry>`

	t.Run("created", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/feeds", feedDoc)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "/feeds/42", resp.Header.Get("Location"))
		assert.Equal(t, "Example Feed", cache.feeds[42].Title)
	})

	t.Run("empty body", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/feeds", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("not xml", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/feeds", "not xml at all")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("non-numeric id fragment", func(t *testing.T) {
		doc := `<entry xmlns="http://www.w3.org/2005/Atom"><id>urn:feed#abc</id><title>t</title></entry>`
		resp := doRequest(t, http.MethodPost, ts.URL+"/feeds", doc)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, ts.URL+"/feeds/42", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		_, ok := cache.feeds[42]
		assert.False(t, ok)
	})
}

func TestServer_CreateEntry(t *testing.T) {
	cache := newMockCache()
	cache.feeds[7] = domain.Feed{ID: 7, Title: "known"}
	ts := startTestServer(t, cache, newMockEngine(), &mockClues{}, nil)

	entryDoc := `<?xml version="1.0"?>
<entry xmlns="http://www.w3.org/2005/Atom">
  <id>urn:peerworks.org:entry#1</id>
  <title>an item</title>
  <updated>2008-03-29T10:00:00Z</updated>
  <content type="html">a very fast car</content>
</entry>`

	t.Run("new entry created", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/feed_items", entryDoc)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "/feed_items/urn:peerworks.org:entry%231", resp.Header.Get("Location"))

		stored := cache.entries["urn:peerworks.org:entry#1"]
		assert.Equal(t, "a very fast car", stored.Content)
		assert.Equal(t, time.Date(2008, 3, 29, 10, 0, 0, 0, time.UTC), stored.Updated.UTC())
	})

	t.Run("existing entry updated", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/feed_items", entryDoc)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("scoped to known feed", func(t *testing.T) {
		doc := strings.Replace(entryDoc, "entry#1", "entry#2", 1)
		resp := doRequest(t, http.MethodPost, ts.URL+"/feeds/7/feed_items", doc)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, int64(7), cache.entries["urn:peerworks.org:entry#2"].FeedID)
	})

	t.Run("unknown feed", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/feeds/99/feed_items", entryDoc)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("empty body", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/feed_items", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("no id", func(t *testing.T) {
		doc := `<entry xmlns="http://www.w3.org/2005/Atom"><title>t</title></entry>`
		resp := doRequest(t, http.MethodPost, ts.URL+"/feed_items", doc)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestServer_DeleteEntry(t *testing.T) {
	cache := newMockCache()
	cache.entries["urn:peerworks.org:entry#1"] = domain.Entry{ID: 1, FullID: "urn:peerworks.org:entry#1"}
	ts := startTestServer(t, cache, newMockEngine(), &mockClues{}, nil)

	t.Run("existing entry removed", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, ts.URL+"/feed_items/urn:peerworks.org:entry%231", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{"urn:peerworks.org:entry#1"}, cache.deleted)
	})

	t.Run("unknown entry is a no-op", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, ts.URL+"/feed_items/urn:unknown", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_CreateJob(t *testing.T) {
	eng := newMockEngine()
	ts := startTestServer(t, newMockCache(), eng, &mockClues{}, nil)

	jobDoc := `<?xml version="1.0"?><job><tag-url>http://trainer.example.org/tags/porsche/training.atom</tag-url></job>`

	t.Run("created", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/classifier/jobs", jobDoc)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "/classifier/jobs/job-1", resp.Header.Get("Location"))
		assert.Equal(t, "http://trainer.example.org/tags/porsche/training.atom", eng.lastRef)

		body := readBody(t, resp)
		assert.Contains(t, body, "<id>job-1</id>")
		assert.Contains(t, body, `<progress type="float">0.0</progress>`)
		assert.Contains(t, body, "<status>Queued</status>")
		assert.NotContains(t, body, "error-message")
	})

	t.Run("empty body", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/classifier/jobs", "")
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("not xml", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/classifier/jobs", "garbage")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing tag-url", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/classifier/jobs", "<job></job>")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("invalid reference", func(t *testing.T) {
		eng.enqueueErr = engine.ErrInvalidReference
		defer func() { eng.enqueueErr = nil }()
		resp := doRequest(t, http.MethodPost, ts.URL+"/classifier/jobs", jobDoc)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("engine stopped", func(t *testing.T) {
		eng.enqueueErr = engine.ErrStopped
		defer func() { eng.enqueueErr = nil }()
		resp := doRequest(t, http.MethodPost, ts.URL+"/classifier/jobs", jobDoc)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestServer_GetJob(t *testing.T) {
	eng := newMockEngine()
	eng.jobs["job-7"] = domain.JobStatus{
		ID:       "job-7",
		State:    domain.JobScoring,
		Progress: 42,
		Duration: 1500 * time.Millisecond,
	}
	eng.jobs["job-8"] = domain.JobStatus{
		ID:           "job-8",
		State:        domain.JobError,
		ErrorMessage: "Tag could not be retrieved: HTTP error code: 500",
		Progress:     10,
	}
	ts := startTestServer(t, newMockCache(), eng, &mockClues{}, nil)

	t.Run("running job", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/classifier/jobs/job-7", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := readBody(t, resp)
		assert.Contains(t, body, "<id>job-7</id>")
		assert.Contains(t, body, `<duration type="float">1.50</duration>`)
		assert.Contains(t, body, `<progress type="float">42.0</progress>`)
		assert.Contains(t, body, "<status>Scoring</status>")
	})

	t.Run("xml suffix accepted", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/classifier/jobs/job-7.xml", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("failed job carries error message", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/classifier/jobs/job-8", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := readBody(t, resp)
		assert.Contains(t, body, "<error-message>Tag could not be retrieved: HTTP error code: 500</error-message>")
		assert.Contains(t, body, "<status>Error</status>")
	})

	t.Run("unknown job", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/classifier/jobs/nope", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_DeleteJob(t *testing.T) {
	eng := newMockEngine()
	eng.jobs["job-7"] = domain.JobStatus{ID: "job-7", State: domain.JobScoring}
	ts := startTestServer(t, newMockCache(), eng, &mockClues{}, nil)

	t.Run("delete removes the job", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, ts.URL+"/classifier/jobs/job-7", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = doRequest(t, http.MethodGet, ts.URL+"/classifier/jobs/job-7", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown job", func(t *testing.T) {
		resp := doRequest(t, http.MethodDelete, ts.URL+"/classifier/jobs/job-7", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_Clues(t *testing.T) {
	cache := newMockCache()
	cache.entries["urn:peerworks.org:entry#1"] = domain.Entry{ID: 1, FullID: "urn:peerworks.org:entry#1"}
	cache.entries["urn:peerworks.org:entry#9"] = domain.Entry{ID: 9, FullID: "urn:peerworks.org:entry#9"}
	cache.tokens[1] = domain.TokenSet{"fast": 1, "car": 1}

	positive := classifier.NewPool()
	positive.Add(domain.TokenSet{"fast": 5, "car": 5})
	negative := classifier.NewPool()
	negative.Add(domain.TokenSet{"slow": 5, "orange": 5})
	model := classifier.NewModel(positive, negative, classifier.NewPool(), 1.0)
	clues := &mockClues{model: model}

	ts := startTestServer(t, cache, newMockEngine(), clues, nil)
	cluesURL := func(item, tagRef string) string {
		return fmt.Sprintf("%s/classifier/clues?item=%s&tag=%s", ts.URL, item, tagRef)
	}

	t.Run("clues returned", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, cluesURL("urn:peerworks.org:entry%231", "http://example.org/t"), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

		var result []domain.Clue
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		require.NotEmpty(t, result)
		tokens := make([]string, 0, len(result))
		for _, clue := range result {
			tokens = append(tokens, clue.Token)
			assert.Greater(t, clue.Probability, 0.5)
		}
		assert.ElementsMatch(t, []string{"fast", "car"}, tokens)
	})

	t.Run("missing item parameter", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/classifier/clues?tag=http://example.org/t", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, readBody(t, resp), "Missing item parameter")
	})

	t.Run("missing tag parameter", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/classifier/clues?item=urn:x", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, readBody(t, resp), "Missing tag parameter")
	})

	t.Run("unknown item", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, cluesURL("urn:unknown", "http://example.org/t"), "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Contains(t, readBody(t, resp), "does not exist in the classifier's item cache")
	})

	t.Run("item not tokenized", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, cluesURL("urn:peerworks.org:entry%239", "http://example.org/t"), "")
		assert.Equal(t, http.StatusFailedDependency, resp.StatusCode)
		assert.Contains(t, readBody(t, resp), "missing some items")
	})

	t.Run("tag pending", func(t *testing.T) {
		clues.err = tag.ErrPending
		defer func() { clues.err = nil }()
		resp := doRequest(t, http.MethodGet, cluesURL("urn:peerworks.org:entry%231", "http://example.org/t"), "")
		assert.Equal(t, http.StatusFailedDependency, resp.StatusCode)
		assert.Contains(t, readBody(t, resp), "needs to load the tag")
	})

	t.Run("tag incomplete", func(t *testing.T) {
		clues.err = tag.ErrIncomplete
		defer func() { clues.err = nil }()
		resp := doRequest(t, http.MethodGet, cluesURL("urn:peerworks.org:entry%231", "http://example.org/t"), "")
		assert.Equal(t, http.StatusFailedDependency, resp.StatusCode)
	})

	t.Run("tag fetch failed", func(t *testing.T) {
		clues.err = tag.ErrFetchFailed
		defer func() { clues.err = nil }()
		resp := doRequest(t, http.MethodGet, cluesURL("urn:peerworks.org:entry%231", "http://example.org/t"), "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_AuthMiddleware(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yml")
	require.NoError(t, os.WriteFile(path, []byte("collector:\n  access_id: abc\n  secret: s3cret\n"), 0o600))
	store, err := auth.LoadStore(path)
	require.NoError(t, err)

	cache := newMockCache()
	ts := startTestServer(t, cache, newMockEngine(), &mockClues{}, store)

	feedDoc := `<entry xmlns="http://www.w3.org/2005/Atom"><id>urn:feed#1</id><title>t</title></entry>`

	t.Run("unsigned mutation rejected", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/feeds", feedDoc)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("signed mutation accepted", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/feeds", strings.NewReader(feedDoc))
		require.NoError(t, err)
		cred, _ := store.Get("collector")
		auth.Sign(req, cred)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("reads pass unsigned", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/classifier", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
