package tag

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tagsift/tagsift/pkg/auth"
)

// Outcome classifies the result of a tag fetch
type Outcome int

// fetch outcomes
const (
	Fresh       Outcome = iota // document retrieved and parsed
	NotModified                // server answered 304, cached copy is current
	Unreachable                // transport failure or error status
	Invalid                    // document retrieved but not parseable
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case NotModified:
		return "not modified"
	case Unreachable:
		return "unreachable"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// Result is a fetch report. Tag is set on Fresh; Cause is set on Unreachable
// and Invalid and is suitable for inclusion in a job error message.
type Result struct {
	Outcome Outcome
	Tag     *Tag
	Cause   string
}

// Fetcher retrieves tag documents and tag indexes over HTTP. All failures are
// reported as outcomes, never raised, so a bad tag server degrades the jobs
// that need it and nothing else.
type Fetcher struct {
	client *http.Client
	cred   *auth.Credential
}

// NewFetcher creates a fetcher. A non-nil credential makes it sign every
// request with the HMAC scheme the tag server expects.
func NewFetcher(timeout time.Duration, cred *auth.Credential) *Fetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}, cred: cred}
}

// Fetch retrieves and parses the tag document at url. A non-zero
// knownUpdated, taken from the previously fetched document's own updated
// field, makes the request conditional.
func (f *Fetcher) Fetch(ctx context.Context, url string, knownUpdated time.Time) Result {
	body, outcome, cause := f.get(ctx, url, knownUpdated)
	if outcome != Fresh {
		return Result{Outcome: outcome, Cause: cause}
	}

	t, err := Parse(body)
	if err != nil {
		return Result{Outcome: Invalid, Cause: err.Error()}
	}
	if t.TrainingURL == "" {
		t.TrainingURL = url
	}
	return Result{Outcome: Fresh, Tag: t}
}

// FetchRaw retrieves a document without interpreting it as a tag. Used for
// the tag index, which has its own parser.
func (f *Fetcher) FetchRaw(ctx context.Context, url string, knownUpdated time.Time) ([]byte, Outcome, string) {
	return f.get(ctx, url, knownUpdated)
}

func (f *Fetcher) get(ctx context.Context, url string, knownUpdated time.Time) (body []byte, outcome Outcome, cause string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, Unreachable, err.Error()
	}
	req.Header.Set("Accept", "application/atom+xml")
	if !knownUpdated.IsZero() {
		req.Header.Set("If-Modified-Since", knownUpdated.UTC().Format(http.TimeFormat))
	}
	if f.cred != nil {
		auth.Sign(req, *f.cred)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, Unreachable, err.Error()
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode == http.StatusNotModified {
		return nil, NotModified, ""
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Unreachable, fmt.Sprintf("HTTP error code: %d", resp.StatusCode)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, Unreachable, err.Error()
	}
	return body, Fresh, ""
}
