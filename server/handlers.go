package server

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/tagsift/tagsift/pkg/domain"
	"github.com/tagsift/tagsift/pkg/engine"
	"github.com/tagsift/tagsift/pkg/tag"
)

// clue endpoint messages, part of the API contract
const (
	msgItemNotCached = "The item does not exist in the classifier's item cache."
	msgTagPending    = "The classifier needs to load the tag to perform this operation. Please try again later."
	msgItemsMissing  = "The classifier is missing some items required to perform this operation.  Please try again later."
)

// typedValue renders an element with a type attribute, e.g.
// <progress type="float">42.0</progress>
type typedValue struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type jobResponse struct {
	XMLName      xml.Name   `xml:"job"`
	ID           string     `xml:"id"`
	ErrorMessage string     `xml:"error-message,omitempty"`
	Duration     typedValue `xml:"duration"`
	Progress     typedValue `xml:"progress"`
	Status       string     `xml:"status"`
}

type aboutResponse struct {
	XMLName xml.Name `xml:"classifier"`
	Version string   `xml:"version"`
}

// atomEntry is the inbound representation of a feed or item, a single Atom
// entry document
type atomEntry struct {
	XMLName xml.Name `xml:"entry"`
	ID      string   `xml:"id"`
	Title   string   `xml:"title"`
	Updated string   `xml:"updated"`
	Content string   `xml:"content"`
}

type jobRequest struct {
	XMLName xml.Name `xml:"job"`
	TagURL  string   `xml:"tag-url"`
}

func renderJobXML(status domain.JobStatus) jobResponse {
	return jobResponse{
		ID:           status.ID,
		ErrorMessage: status.ErrorMessage,
		Duration:     typedValue{Type: "float", Value: fmt.Sprintf("%.2f", status.Duration.Seconds())},
		Progress:     typedValue{Type: "float", Value: fmt.Sprintf("%.1f", status.Progress)},
		Status:       string(status.State),
	}
}

func writeXML(w http.ResponseWriter, code int, v any) {
	data, err := xml.Marshal(v)
	if err != nil {
		http.Error(w, "failed to serialize response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(data)
}

// fragmentID extracts the numeric id from a urn fragment identifier like
// urn:peerworks.org:feed#42
func fragmentID(fullID string) (int64, error) {
	pos := strings.LastIndex(fullID, "#")
	if pos < 0 || pos == len(fullID)-1 {
		return 0, fmt.Errorf("no fragment in id %q", fullID)
	}
	id, err := strconv.ParseInt(fullID[pos+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric fragment in id %q", fullID)
	}
	return id, nil
}

// GET /classifier
func (s *Server) aboutHandler(w http.ResponseWriter, _ *http.Request) {
	writeXML(w, http.StatusOK, aboutResponse{Version: s.version})
}

// POST /feeds
func (s *Server) createFeedHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "Empty request body", http.StatusBadRequest)
		return
	}

	var doc atomEntry
	if err := xml.Unmarshal(body, &doc); err != nil {
		http.Error(w, "Invalid XML", http.StatusBadRequest)
		return
	}

	id, err := fragmentID(doc.ID)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid feed identifier", http.StatusUnprocessableEntity)
		return
	}

	if err := s.cache.CreateOrUpdateFeed(r.Context(), domain.Feed{ID: id, Title: doc.Title}); err != nil {
		lgr.Printf("[WARN] create feed %d: %v", id, err)
		http.Error(w, "failed to store feed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/feeds/%d", id))
	w.WriteHeader(http.StatusCreated)
}

// DELETE /feeds/{id}
func (s *Server) deleteFeedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid feed identifier", http.StatusNotFound)
		return
	}
	if err := s.cache.DeleteFeed(r.Context(), id); err != nil {
		lgr.Printf("[WARN] delete feed %d: %v", id, err)
		http.Error(w, "failed to delete feed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /feed_items and POST /feeds/{feed}/feed_items
func (s *Server) createEntryHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "Empty request body", http.StatusBadRequest)
		return
	}

	var doc atomEntry
	if err := xml.Unmarshal(body, &doc); err != nil {
		http.Error(w, "Invalid XML", http.StatusBadRequest)
		return
	}
	if doc.ID == "" {
		http.Error(w, "Entry has no id", http.StatusUnprocessableEntity)
		return
	}

	var feedID int64
	if ref := r.PathValue("feed"); ref != "" {
		feedID, err = strconv.ParseInt(ref, 10, 64)
		if err != nil {
			http.Error(w, "Invalid feed identifier", http.StatusNotFound)
			return
		}
		exists, err := s.cache.FeedExists(r.Context(), feedID)
		if err != nil {
			lgr.Printf("[WARN] check feed %d: %v", feedID, err)
			http.Error(w, "failed to check feed", http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "Feed does not exist", http.StatusUnprocessableEntity)
			return
		}
	}

	updated := time.Now()
	if doc.Updated != "" {
		if ts, err := time.Parse(time.RFC3339, doc.Updated); err == nil {
			updated = ts
		}
	}

	_, created, err := s.cache.CreateOrUpdateEntry(r.Context(), domain.Entry{
		FullID:  doc.ID,
		FeedID:  feedID,
		Content: doc.Content,
		Updated: updated,
	})
	if err != nil {
		lgr.Printf("[WARN] store entry %s: %v", doc.ID, err)
		http.Error(w, "failed to store entry", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/feed_items/"+url.PathEscape(doc.ID))
	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// DELETE /feed_items/{id}, a no-op for unknown items
func (s *Server) deleteEntryHandler(w http.ResponseWriter, r *http.Request) {
	fullID := r.PathValue("id")
	if err := s.cache.DeleteEntry(r.Context(), fullID); err != nil {
		lgr.Printf("[WARN] delete entry %s: %v", fullID, err)
		http.Error(w, "failed to delete entry", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// POST /classifier/jobs
func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "Empty request body", http.StatusUnsupportedMediaType)
		return
	}

	var req jobRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid XML", http.StatusBadRequest)
		return
	}
	if req.TagURL == "" {
		http.Error(w, "Missing tag-url", http.StatusUnprocessableEntity)
		return
	}

	status, err := s.engine.Enqueue(req.TagURL, nil)
	switch {
	case errors.Is(err, engine.ErrInvalidReference):
		http.Error(w, "Tag does not exist", http.StatusUnprocessableEntity)
		return
	case errors.Is(err, engine.ErrStopped):
		http.Error(w, "Classifier is shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		lgr.Printf("[WARN] enqueue job for %s: %v", req.TagURL, err)
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/classifier/jobs/"+status.ID)
	writeXML(w, http.StatusCreated, renderJobXML(status))
}

// GET /classifier/jobs/{id}, with an optional .xml suffix
func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(r.PathValue("id"), ".xml")
	status, ok := s.engine.Job(id)
	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	writeXML(w, http.StatusOK, renderJobXML(status))
}

// DELETE /classifier/jobs/{id} cancels a running job or removes a finished one
func (s *Server) deleteJobHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(r.PathValue("id"), ".xml")
	if err := s.engine.Delete(id); err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GET /classifier/clues?item=...&tag=...
func (s *Server) cluesHandler(w http.ResponseWriter, r *http.Request) {
	item := r.URL.Query().Get("item")
	if item == "" {
		http.Error(w, "Missing item parameter", http.StatusBadRequest)
		return
	}
	tagURL := r.URL.Query().Get("tag")
	if tagURL == "" {
		http.Error(w, "Missing tag parameter", http.StatusBadRequest)
		return
	}

	entry, err := s.cache.GetEntry(r.Context(), item)
	if err != nil {
		http.Error(w, msgItemNotCached, http.StatusNotFound)
		return
	}
	tokens, err := s.cache.TokensFor(r.Context(), entry.ID)
	if err != nil {
		http.Error(w, msgItemsMissing, http.StatusFailedDependency)
		return
	}

	model, _, err := s.clues.Model(r.Context(), tagURL)
	switch {
	case errors.Is(err, tag.ErrPending):
		http.Error(w, msgTagPending, http.StatusFailedDependency)
		return
	case errors.Is(err, tag.ErrIncomplete):
		http.Error(w, msgItemsMissing, http.StatusFailedDependency)
		return
	case errors.Is(err, tag.ErrFetchFailed):
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		lgr.Printf("[WARN] clues for tag %s: %v", tagURL, err)
		http.Error(w, "failed to compute clues", http.StatusInternalServerError)
		return
	}

	clues := model.Clues(tokens)
	if clues == nil {
		clues = []domain.Clue{}
	}
	rest.RenderJSON(w, clues)
}
