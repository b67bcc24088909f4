// Package save implements the Save Trigger: given a CodeEditor room
// id, it reads the server's document replica and performs the
// outbound persistence HTTP call, per spec.md §4.7. It is not invoked
// automatically by the core — external callers (an admin endpoint, a
// save-point sentinel message) wire it in.
package save

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/codecollab/relay/internal/classify"
	"github.com/codecollab/relay/internal/docstate"
	"github.com/codecollab/relay/internal/metrics"
)

// DefaultTimeout bounds the outbound PUT so a stalled persistence API
// can never block a caller indefinitely.
const DefaultTimeout = 10 * time.Second

// Source is the fixed "source" field value the persistence API
// expects, naming the collaboration mechanism that produced the
// content.
const Source = "yjs-collaboration"

// Error reports a failed save, carrying enough of the HTTP response
// (or the underlying transport error) for the caller to log or
// surface upstream.
type Error struct {
	RoomID     string
	StatusCode int
	Status     string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("save: %s: %v", e.RoomID, e.Err)
	}
	return fmt.Sprintf("save: %s: unexpected status %s", e.RoomID, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

type contentRequest struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
	Source   string `json:"source"`
}

// Trigger issues the persistence PUT for a single CodeEditor room.
type Trigger struct {
	apiBaseURL string
	docs       *docstate.Registry
	client     *http.Client
	log        *zap.Logger
}

// NewTrigger builds a Trigger against apiBaseURL, reading document
// text from docs.
func NewTrigger(apiBaseURL string, docs *docstate.Registry, log *zap.Logger) *Trigger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trigger{
		apiBaseURL: apiBaseURL,
		docs:       docs,
		client:     &http.Client{Timeout: DefaultTimeout},
		log:        log,
	}
}

// Save parses roomID, reads its current document text, and PUTs it to
// the persistence API. It returns a *Error on any non-2xx response or
// network failure; it never panics and never mutates document state.
func (t *Trigger) Save(ctx context.Context, roomID string) error {
	fields, ok := classify.SaveEligible(roomID)
	if !ok {
		return &Error{RoomID: roomID, Err: fmt.Errorf("room id %q is not save-eligible", roomID)}
	}

	content := t.docs.ReadText(roomID)

	body, err := json.Marshal(contentRequest{
		FilePath: fields.FilePath,
		Content:  content,
		Source:   Source,
	})
	if err != nil {
		return &Error{RoomID: roomID, Err: err}
	}

	url := fmt.Sprintf("%s/repositories/%d/files/content", t.apiBaseURL, fields.RepositoryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return &Error{RoomID: roomID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		metrics.Global.IncSaveFailed()
		t.log.Error("save request failed", zap.String("room_id", roomID), zap.Error(err))
		return &Error{RoomID: roomID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Global.IncSaveFailed()
		t.log.Warn("save request returned non-2xx", zap.String("room_id", roomID), zap.Int("status", resp.StatusCode))
		return &Error{RoomID: roomID, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	metrics.Global.IncSaveSucceeded()
	return nil
}
