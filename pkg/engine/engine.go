package engine

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/tagsift/tagsift/pkg/classifier"
	"github.com/tagsift/tagsift/pkg/domain"
	"github.com/tagsift/tagsift/pkg/tag"
)

// engine errors resolved at the API boundary
var (
	ErrNotFound         = errors.New("job not found")
	ErrInvalidReference = errors.New("tag reference is not a valid URL")
	ErrStopped          = errors.New("engine stopped")
)

// TagCache fetches tag documents and trains scoring models from them
type TagCache interface {
	Refresh(ctx context.Context, url string) tag.Result
	TrainModel(ctx context.Context, t *tag.Tag) (*classifier.Model, []tag.Example, error)
}

// ItemStore is the slice of the item cache the engine needs
type ItemStore interface {
	GetEntry(ctx context.Context, fullID string) (domain.Entry, error)
	TokensFor(ctx context.Context, entryID int64) (domain.TokenSet, error)
	CreateOrUpdateEntry(ctx context.Context, entry domain.Entry) (id int64, created bool, err error)
	CandidatesSince(ctx context.Context, since time.Time, minTokens int) ([]domain.Entry, error)
}

// Publisher delivers classification results to the tag's results endpoint
type Publisher interface {
	Replace(ctx context.Context, t *tag.Tag, taggings []domain.Scored, classified time.Time) error
	Update(ctx context.Context, t *tag.Tag, taggings []domain.Scored, classified time.Time) error
}

// Resolver maps a non-URL tag reference, such as a registry tag id, to a
// training URL
type Resolver func(reference string) (string, bool)

// Params tunes the engine's scoring and waiting behavior
type Params struct {
	PositiveThreshold   float64       // keep scores at or above this
	MinTokens           int           // candidate entries need at least this many distinct tokens
	LoadItemsSince      time.Duration // candidate window for full classification runs
	MissingItemTimeout  time.Duration // how long a job waits for missing items
	CacheUpdateWaitTime time.Duration // poll interval while waiting
	Workers             int           // concurrent jobs
}

func (p *Params) setDefaults() {
	if p.PositiveThreshold == 0 {
		p.PositiveThreshold = 0.9
	}
	if p.MissingItemTimeout == 0 {
		p.MissingItemTimeout = time.Minute
	}
	if p.CacheUpdateWaitTime == 0 {
		p.CacheUpdateWaitTime = time.Second
	}
	if p.LoadItemsSince == 0 {
		p.LoadItemsSince = 30 * 24 * time.Hour
	}
	if p.Workers <= 0 {
		p.Workers = 5
	}
}

// Engine runs classification jobs. Each job gets its own goroutine driving
// the state machine Queued, Fetching, WaitingForItems, Scoring, Publishing,
// Complete; at most one active job exists per resolved tag reference, later
// requests for the same reference merge their target items into it.
type Engine struct {
	params    Params
	tags      TagCache
	store     ItemStore
	publisher Publisher
	resolver  Resolver

	baseCtx    context.Context
	baseCancel context.CancelFunc
	workers    chan struct{}
	wg         sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	active map[string]*Job // keyed by resolved tag URL, dedup for non-terminal jobs
	closed bool
}

// New creates a job engine
func New(params Params, tags TagCache, store ItemStore, publisher Publisher) *Engine {
	params.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		params:     params,
		tags:       tags,
		store:      store,
		publisher:  publisher,
		baseCtx:    ctx,
		baseCancel: cancel,
		workers:    make(chan struct{}, params.Workers),
		jobs:       map[string]*Job{},
		active:     map[string]*Job{},
	}
}

// SetResolver installs a lookup for non-URL tag references
func (e *Engine) SetResolver(r Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolver = r
}

// Stop cancels all running jobs and waits for their workers to finish
func (e *Engine) Stop() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.baseCancel()
	e.wg.Wait()
}

func (e *Engine) resolve(reference string) (string, error) {
	if u, err := url.Parse(reference); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return reference, nil
	}
	e.mu.Lock()
	resolver := e.resolver
	e.mu.Unlock()
	if resolver != nil {
		if resolved, ok := resolver(reference); ok {
			return resolved, nil
		}
	}
	return "", ErrInvalidReference
}

// Enqueue admits a classification job for the tag reference. Target item ids,
// when given, limit scoring to those items; without targets the job scores
// the whole recent candidate window. If an active job already covers the same
// resolved reference the targets are merged into it and the existing job is
// returned.
func (e *Engine) Enqueue(reference string, targets []string) (*Job, error) {
	resolved, err := e.resolve(reference)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrStopped
	}

	if job, ok := e.active[resolved]; ok {
		job.addTargets(targets)
		lgr.Printf("[DEBUG] merged %d targets into job %s for %s", len(targets), job.id, resolved)
		return job, nil
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	job := &Job{
		id:        uuid.NewString(),
		tagURL:    resolved,
		cancel:    cancel,
		state:     domain.JobQueued,
		createdAt: time.Now(),
		targets:   append([]string(nil), targets...),
	}
	e.jobs[job.id] = job
	e.active[resolved] = job

	e.wg.Add(1)
	go e.run(ctx, job)

	lgr.Printf("[INFO] job %s queued for %s with %d targets", job.id, resolved, len(targets))
	return job, nil
}

// Job looks up a job by id. Cancelled jobs are not found.
func (e *Engine) Job(id string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	return job, ok
}

// Delete removes a job. Running jobs are cancelled at their next suspension
// point; either way the job is immediately gone from the engine's table.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(e.jobs, id)
	if e.active[job.tagURL] == job {
		delete(e.active, job.tagURL)
	}

	if !job.Status().State.Terminal() {
		job.markCancelled()
		job.cancel()
		lgr.Printf("[INFO] job %s cancelled", id)
	}
	return nil
}

func (e *Engine) deactivate(job *Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[job.tagURL] == job {
		delete(e.active, job.tagURL)
	}
}

// finishScoring retires the job from the dedup table, unless targets were
// merged in since the last batch was taken, in which case scoring continues
func (e *Engine) finishScoring(job *Job) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(job.pendingTargets()) > 0 {
		return false
	}
	if e.active[job.tagURL] == job {
		delete(e.active, job.tagURL)
	}
	return true
}

func (e *Engine) run(ctx context.Context, job *Job) {
	defer e.wg.Done()

	select {
	case e.workers <- struct{}{}:
	case <-ctx.Done():
		e.deactivate(job)
		return
	}
	defer func() { <-e.workers }()

	if job.isCancelled() {
		e.deactivate(job)
		return
	}

	job.setState(domain.JobFetching, 0)
	res := e.tags.Refresh(ctx, job.tagURL)
	if res.Outcome == tag.Unreachable || res.Outcome == tag.Invalid {
		job.fail("Tag could not be retrieved: " + res.Cause)
		e.deactivate(job)
		return
	}
	t := res.Tag
	if t == nil {
		job.fail("Tag could not be retrieved: fetch produced no document")
		e.deactivate(job)
		return
	}

	job.setState(domain.JobWaitingForItems, 10)
	model, ok := e.waitForItems(ctx, job, t)
	if !ok {
		e.deactivate(job)
		return
	}

	job.setState(domain.JobScoring, 20)
	taggings, replace, ok := e.score(ctx, job, model)
	if !ok {
		e.deactivate(job)
		return
	}

	if job.isCancelled() || ctx.Err() != nil {
		return
	}
	job.setState(domain.JobPublishing, 90)
	classified := time.Now()
	var pubErr error
	if replace {
		pubErr = e.publisher.Replace(ctx, t, taggings, classified)
	} else {
		pubErr = e.publisher.Update(ctx, t, taggings, classified)
	}
	if job.isCancelled() || ctx.Err() != nil {
		return // results discarded, nobody is waiting for them
	}
	if pubErr != nil {
		job.fail(pubErr.Error())
		return
	}

	job.complete()
	lgr.Printf("[INFO] job %s complete, %d items tagged for %s", job.id, len(taggings), t.ID)
}

// waitForItems polls the item cache until the tag's example items and the
// job's target items are all tokenized, within the missing item timeout.
// Missing examples whose content is embedded in the tag document are added to
// the cache once, so the tokenizer can catch them up.
func (e *Engine) waitForItems(ctx context.Context, job *Job, t *tag.Tag) (*classifier.Model, bool) {
	deadline := time.Now().Add(e.params.MissingItemTimeout)
	added := map[string]bool{}

	for {
		if job.isCancelled() || ctx.Err() != nil {
			return nil, false
		}

		model, missing, err := e.tags.TrainModel(ctx, t)
		if err != nil {
			job.fail(err.Error())
			return nil, false
		}
		if model != nil && len(e.untokenizedTargets(ctx, job)) == 0 {
			return model, true
		}

		for _, m := range missing {
			if m.Content == "" || added[m.FullID] {
				continue
			}
			if _, _, err := e.store.CreateOrUpdateEntry(ctx, domain.Entry{
				FullID: m.FullID, Content: m.Content, Updated: time.Now()}); err != nil {
				lgr.Printf("[WARN] add missing item %s to cache: %v", m.FullID, err)
				continue
			}
			added[m.FullID] = true
		}

		if time.Now().After(deadline) {
			job.fail("The job timed out waiting for some resources")
			return nil, false
		}
		select {
		case <-time.After(e.params.CacheUpdateWaitTime):
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (e *Engine) untokenizedTargets(ctx context.Context, job *Job) []string {
	var waiting []string
	for _, fullID := range job.pendingTargets() {
		entry, err := e.store.GetEntry(ctx, fullID)
		if err != nil {
			waiting = append(waiting, fullID)
			continue
		}
		if _, err := e.store.TokensFor(ctx, entry.ID); err != nil {
			waiting = append(waiting, fullID)
		}
	}
	return waiting
}

// score classifies the job's items. With targets it consumes them in batches,
// picking up any merged in while it runs; without targets it scores the whole
// candidate window. Returns the taggings above the positive threshold and
// whether a single-item replace should be published instead of a batch
// update.
func (e *Engine) score(ctx context.Context, job *Job, model *classifier.Model) (taggings []domain.Scored, replace, ok bool) {
	first := true
	totalTargets := 0

	for {
		batch := job.takeTargets()
		if len(batch) == 0 && !first {
			if e.finishScoring(job) {
				break
			}
			continue
		}

		var entries []domain.Entry
		if len(batch) == 0 {
			var err error
			entries, err = e.store.CandidatesSince(ctx, time.Now().Add(-e.params.LoadItemsSince), e.params.MinTokens)
			if err != nil {
				job.fail(err.Error())
				return nil, false, false
			}
		} else {
			totalTargets += len(batch)
			for _, fullID := range batch {
				entry, err := e.store.GetEntry(ctx, fullID)
				if err != nil {
					lgr.Printf("[WARN] job %s target %s disappeared: %v", job.id, fullID, err)
					continue
				}
				entries = append(entries, entry)
			}
		}
		first = false

		for i, entry := range entries {
			if job.isCancelled() || ctx.Err() != nil {
				return nil, false, false
			}
			tokens, err := e.store.TokensFor(ctx, entry.ID)
			if err != nil {
				continue
			}
			if score := model.Classify(tokens); score >= e.params.PositiveThreshold {
				taggings = append(taggings, domain.Scored{FullID: entry.FullID, Strength: score})
			}
			job.setProgress(20 + 70*float64(i+1)/float64(len(entries)))
		}
	}

	job.setProgress(90)
	return taggings, totalTargets == 1, true
}
