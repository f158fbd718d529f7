package ctfetch

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"ctmon.dev/internal/loglist"
)

func TestFetchSTH(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ct/v1/get-sth" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("User-Agent"); got != userAgent {
			t.Fatalf("unexpected User-Agent: %s", got)
		}
		w.Write([]byte(`{"tree_size": 1000, "timestamp": 123, "sha256_root_hash": "aGFzaA==", "tree_head_signature": "c2ln"}`))
	}))
	defer srv.Close()

	f := New()
	sth, err := f.FetchSTH(context.Background(), loglist.Log{URL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("FetchSTH: %v", err)
	}
	if sth.TreeSize != 1000 {
		t.Fatalf("unexpected tree size: %d", sth.TreeSize)
	}
}

func TestFetchSTHBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := New()
	_, err := f.FetchSTH(context.Background(), loglist.Log{URL: srv.URL + "/"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var fetchErr *Error
	if !asError(err, &fetchErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if fetchErr.Kind != ErrBadStatus || fetchErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected error: %+v", fetchErr)
	}
}

func TestFetchEntriesGzipDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"entries": []}`))
		gz.Close()
	}))
	defer srv.Close()

	f := New()
	items, err := f.FetchEntries(context.Background(), loglist.Log{URL: srv.URL + "/"}, 0, 9)
	if err != nil {
		t.Fatalf("FetchEntries: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no entries, got %d", len(items))
	}
}

func asError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}
