package save

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codecollab/relay/internal/docstate"
)

func TestSaveSucceedsOn2xxAndSendsExpectedBody(t *testing.T) {
	var gotPath string
	var gotBody contentRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json content type, got %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	docs := docstate.NewRegistry(nil)
	frame := docstate.EncodeInsertFrame(1, "peer", 0, "", 'x')
	docs.ApplyUpdate("repo-7-src/main.ts", frame)

	trig := NewTrigger(srv.URL, docs, nil)
	if err := trig.Save(context.Background(), "repo-7-src/main.ts"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/repositories/7/files/content" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotBody.FilePath != "src/main.ts" || gotBody.Content != "x" || gotBody.Source != Source {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestSaveFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	docs := docstate.NewRegistry(nil)
	trig := NewTrigger(srv.URL, docs, nil)

	err := trig.Save(context.Background(), "repo-7-src/main.ts")
	if err == nil {
		t.Fatal("expected an error on 500 response")
	}
	saveErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if saveErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", saveErr.StatusCode)
	}
}

func TestSaveRejectsNonEligibleRoomID(t *testing.T) {
	docs := docstate.NewRegistry(nil)
	trig := NewTrigger("http://example.invalid", docs, nil)

	err := trig.Save(context.Background(), "repo-7")
	if err == nil {
		t.Fatal("expected an error for a bare repo id with no file path")
	}
}

func TestSaveFailsOnNetworkError(t *testing.T) {
	docs := docstate.NewRegistry(nil)
	trig := NewTrigger("http://127.0.0.1:1", docs, nil)

	err := trig.Save(context.Background(), "repo-7-src/main.ts")
	if err == nil {
		t.Fatal("expected a network error")
	}
	if _, ok := err.(*Error); !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
}
