package tag

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
)

// link relations and the extension namespace prefix used in tag documents
const (
	RelTraining        = "http://peerworks.org/classifier/training"
	RelNegativeExample = "http://peerworks.org/classifier/negative-example"
	RelEdit            = "http://peerworks.org/classifier/edit"

	classifierPrefix = "classifier"
)

// Example is one training item referenced by a tag document. Content is the
// item content embedded in the document, empty when the document carries only
// the reference.
type Example struct {
	FullID  string
	Content string
}

// Tag is a parsed tag document: the trained definition of one topic. Entries
// carrying a category are positive examples; entries carrying the
// negative-example link relation are negative examples.
type Tag struct {
	ID               string    // feed id, the tag's identity
	TrainingURL      string    // self link, where the document was fetched from
	EditURL          string    // where classification results are published
	Term             string    // category term applied to positive matches
	Scheme           string    // category scheme applied to positive matches
	Bias             float64   // positive pool weight, 1.0 when absent
	Updated          time.Time // document's own updated time, drives conditional refetch
	LastClassified   time.Time // when results were last published for this tag
	PositiveExamples []Example
	NegativeExamples []Example
}

// Parse builds a Tag from an Atom tag document
func Parse(data []byte) (*Tag, error) {
	feed, err := (&atom.Parser{}).Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse tag document: %w", err)
	}
	if feed.ID == "" {
		return nil, fmt.Errorf("tag document has no id")
	}

	t := &Tag{ID: feed.ID, Bias: 1.0}

	for _, link := range feed.Links {
		switch link.Rel {
		case "self":
			t.TrainingURL = link.Href
		case RelEdit:
			t.EditURL = link.Href
		}
	}
	if len(feed.Categories) > 0 {
		t.Term = feed.Categories[0].Term
		t.Scheme = feed.Categories[0].Scheme
	}
	if feed.UpdatedParsed != nil {
		t.Updated = *feed.UpdatedParsed
	}
	if v := extValue(feed.Extensions, "bias"); v != "" {
		if bias, err := strconv.ParseFloat(v, 64); err == nil && bias > 0 {
			t.Bias = bias
		}
	}
	if v := extValue(feed.Extensions, "classified"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			t.LastClassified = ts
		}
	}

	for _, entry := range feed.Entries {
		if entry.ID == "" {
			continue
		}
		example := Example{FullID: entry.ID}
		if entry.Content != nil {
			example.Content = entry.Content.Value
		}

		negative := false
		for _, link := range entry.Links {
			if link.Rel == RelNegativeExample {
				negative = true
				break
			}
		}
		switch {
		case negative:
			t.NegativeExamples = append(t.NegativeExamples, example)
		case len(entry.Categories) > 0:
			t.PositiveExamples = append(t.PositiveExamples, example)
		}
	}

	return t, nil
}

func extValue(extensions ext.Extensions, name string) string {
	if extensions == nil {
		return ""
	}
	if vals, ok := extensions[classifierPrefix][name]; ok && len(vals) > 0 {
		return vals[0].Value
	}
	return ""
}

// IndexEntry is one tag listed in a tag index: its identity and where its
// training document lives
type IndexEntry struct {
	ID          string
	TrainingURL string
}

// ParseIndex extracts the tags from a tag index feed, one per entry link
// carrying the training relation. Returns the index's own updated time for
// the conditional refetch.
func ParseIndex(data []byte) (entries []IndexEntry, updated time.Time, err error) {
	feed, err := (&atom.Parser{}).Parse(bytes.NewReader(data))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse tag index: %w", err)
	}
	if feed.UpdatedParsed != nil {
		updated = *feed.UpdatedParsed
	}
	for _, entry := range feed.Entries {
		for _, link := range entry.Links {
			if link.Rel == RelTraining && link.Href != "" {
				entries = append(entries, IndexEntry{ID: entry.ID, TrainingURL: link.Href})
			}
		}
	}
	return entries, updated, nil
}
