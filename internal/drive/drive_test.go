package drive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetCachesDocument(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"versions":["1.0.0","1.1.0"]}`))
	}))
	defer srv.Close()

	s := New(srv.URL, time.Minute)
	for i := 0; i < 3; i++ {
		doc, err := s.Get(context.Background())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(doc) != `{"versions":["1.0.0","1.1.0"]}` {
			t.Fatalf("doc %s", doc)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("fetched %d times, want 1", n)
	}
	s.Invalidate()
	if _, err := s.Get(context.Background()); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("fetched %d times after invalidate, want 2", n)
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	s := New(srv.URL, time.Minute, WithRetry(3, time.Millisecond))
	if _, err := s.Get(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("hits=%d want 3", n)
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := New(srv.URL, time.Minute, WithRetry(5, time.Millisecond))
	if _, err := s.Get(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("hits=%d want 1", n)
	}
}

func TestGetRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()
	if _, err := New(srv.URL, 0, WithRetry(1, 0)).Get(context.Background()); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
}

func TestGetNotConfigured(t *testing.T) {
	if _, err := New("", 0).Get(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
