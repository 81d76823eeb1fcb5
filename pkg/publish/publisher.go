package publish

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"

	"github.com/tagsift/tagsift/pkg/auth"
	"github.com/tagsift/tagsift/pkg/domain"
	"github.com/tagsift/tagsift/pkg/tag"
)

const classifierNS = "http://peerworks.org/classifier"

// result document shapes. The classifier prefix is declared on the feed and
// used verbatim in attribute names; encoding/xml emits them as written.
type resultFeed struct {
	XMLName      xml.Name      `xml:"feed"`
	NS           string        `xml:"xmlns,attr"`
	ClassifierNS string        `xml:"xmlns:classifier,attr"`
	ID           string        `xml:"id,omitempty"`
	Classified   string        `xml:"classifier:classified"`
	Entries      []resultEntry `xml:"entry"`
}

type resultEntry struct {
	ID       string         `xml:"id"`
	Category resultCategory `xml:"category"`
}

type resultCategory struct {
	Term     string `xml:"term,attr"`
	Scheme   string `xml:"scheme,attr"`
	Strength string `xml:"classifier:strength,attr"`
}

// Serialize renders classification results as an Atom feed: one entry per
// scored item with a single category carrying the tag's term and scheme and
// the score as a classifier:strength attribute, plus the feed-level
// classifier:classified timestamp.
func Serialize(t *tag.Tag, taggings []domain.Scored, classified time.Time) ([]byte, error) {
	feed := resultFeed{
		NS:           "http://www.w3.org/2005/Atom",
		ClassifierNS: classifierNS,
		ID:           t.ID,
		Classified:   classified.UTC().Format("2006-01-02T15:04:05Z"),
		Entries:      make([]resultEntry, 0, len(taggings)),
	}
	for _, tagging := range taggings {
		feed.Entries = append(feed.Entries, resultEntry{
			ID: tagging.FullID,
			Category: resultCategory{
				Term:     t.Term,
				Scheme:   t.Scheme,
				Strength: strconv.FormatFloat(tagging.Strength, 'f', 6, 64),
			},
		})
	}

	body, err := xml.MarshalIndent(feed, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize results: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Publisher delivers classification results to a tag's edit URL
type Publisher struct {
	client  *http.Client
	cred    *auth.Credential
	version string
	retries int
}

// NewPublisher creates a publisher. A non-nil credential makes it sign
// deliveries with the HMAC scheme.
func NewPublisher(timeout time.Duration, cred *auth.Credential, version string, retries int) *Publisher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if retries <= 0 {
		retries = 3
	}
	return &Publisher{
		client:  &http.Client{Timeout: timeout},
		cred:    cred,
		version: version,
		retries: retries,
	}
}

// Replace delivers the full result set with PUT, replacing previous results
func (p *Publisher) Replace(ctx context.Context, t *tag.Tag, taggings []domain.Scored, classified time.Time) error {
	return p.save(ctx, http.MethodPut, t, taggings, classified)
}

// Update delivers incremental results with POST, adding to previous results
func (p *Publisher) Update(ctx context.Context, t *tag.Tag, taggings []domain.Scored, classified time.Time) error {
	return p.save(ctx, http.MethodPost, t, taggings, classified)
}

func (p *Publisher) save(ctx context.Context, method string, t *tag.Tag, taggings []domain.Scored, classified time.Time) error {
	if t.EditURL == "" {
		return fmt.Errorf("tag %s has no results URL", t.ID)
	}

	body, err := Serialize(t, taggings, classified)
	if err != nil {
		return err
	}
	lgr.Printf("[INFO] publishing %d results for %s to %s", len(taggings), t.ID, t.EditURL)

	retrier := repeater.NewBackoff(p.retries, 500*time.Millisecond, repeater.WithMaxDelay(5*time.Second))
	return retrier.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, t.EditURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create publish request: %w", err)
		}
		req.Header.Set("Content-Type", "application/atom+xml")
		req.Header.Set("User-Agent", "tagsift/"+p.version)
		if p.cred != nil {
			auth.Sign(req, *p.cred)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s not accessible: %w", t.EditURL, err)
		}
		defer resp.Body.Close() //nolint:errcheck // body unused

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("publish to %s: HTTP error code: %d", t.EditURL, resp.StatusCode)
		}
		return nil
	})
}
