package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"ctmon.dev/internal/ctfetch"
	"ctmon.dev/internal/dbhash"
	"ctmon.dev/internal/index"
	"ctmon.dev/internal/loglist"
	"ctmon.dev/internal/pipeline"
	"ctmon.dev/internal/state"
)

type discardBlobs struct{}

func (discardBlobs) Put(ctx context.Context, key dbhash.Hash, data []byte) error { return nil }

func TestRunOnceUpdatesSTHAndFetchesBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/ct/v1/get-sth":
			w.Write([]byte(`{"tree_size": 1, "timestamp": 1, "sha256_root_hash": "aGFzaA==", "tree_head_signature": "c2ln"}`))
		case "/ct/v1/get-entries":
			w.Write([]byte(`{"entries": []}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	l := loglist.Log{Description: "test log", LogID: "log-a", URL: srv.URL + "/"}

	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer idx.Close()

	st := state.New(filepath.Join(t.TempDir(), "state.json"))

	sup := &Supervisor{
		Fetcher: ctfetch.New(),
		Round: &pipeline.Round{
			Fetcher: ctfetch.New(),
			Index:   idx,
			Blobs:   discardBlobs{},
			State:   st,
		},
		State:   st,
		LogList: func() []loglist.Log { return []loglist.Log{l} },
	}

	if err := sup.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	ls, ok := st.Log("log-a")
	if !ok {
		t.Fatal("expected sth to have been recorded")
	}
	if ls.STH.TreeSize != 1 {
		t.Fatalf("unexpected tree size: %d", ls.STH.TreeSize)
	}
}

func TestRunOnceSkipsRetiredLogs(t *testing.T) {
	requested := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = true
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	retired := loglist.Log{
		Description: "retired log",
		LogID:       "log-retired",
		URL:         srv.URL + "/",
		State:       loglist.LogState{Kind: loglist.StateRetired},
	}

	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer idx.Close()

	st := state.New(filepath.Join(t.TempDir(), "state.json"))
	sup := &Supervisor{
		Fetcher: ctfetch.New(),
		Round: &pipeline.Round{
			Fetcher: ctfetch.New(),
			Index:   idx,
			Blobs:   discardBlobs{},
			State:   st,
		},
		State:   st,
		LogList: func() []loglist.Log { return []loglist.Log{retired} },
	}

	if err := sup.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if requested {
		t.Fatal("a retired log should never be queried")
	}
}
