package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"ctmon.dev/internal/batcher"
	"ctmon.dev/internal/ctfetch"
	"ctmon.dev/internal/dbhash"
	"ctmon.dev/internal/index"
	"ctmon.dev/internal/loglist"
	"ctmon.dev/internal/state"
)

type memBlobs struct {
	mu   sync.Mutex
	data map[dbhash.Hash][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: map[dbhash.Hash][]byte{}} }

func (m *memBlobs) Put(ctx context.Context, key dbhash.Hash, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

// buildX509Leaf constructs a minimal MerkleTreeLeaf-encoded X.509 entry
// carrying the given certificate body, matching the shape entrycodec expects.
func buildX509Leaf(t *testing.T, ts uint64, cert []byte) []byte {
	t.Helper()
	var b []byte
	b = append(b, 0)    // version
	b = append(b, 0)    // leaf type: timestamped entry
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, ts)
	b = append(b, tsBuf...)
	b = append(b, 0, 0) // entry type: x509_entry

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(cert)))
	b = append(b, lenBuf[1:]...) // 24-bit length
	b = append(b, cert...)

	b = append(b, 0, 0) // empty extensions
	return b
}

// minimalTBS is a syntactically minimal TBSCertificate DER body good enough
// for certdecode.ExtractDomains and certdecode.ExtractValidity to walk
// without error: a SEQUENCE of a serial number, empty placeholder
// SEQUENCEs for the other fields, and a real (if nonsensical) Validity. Since certdecode
// only needs to parse, not validate trust, an empty subject with no
// extensions is sufficient and yields zero domains.
func minimalTBS() []byte {
	// SEQUENCE { INTEGER 0 (version placeholder omitted), INTEGER serial,
	// SEQUENCE sigalg, SEQUENCE issuer, SEQUENCE validity, SEQUENCE subject,
	// SEQUENCE pubkey } -- built by hand since certdecode.tbsCertificate is
	// unexported; this mirrors certdecode_test.go's buildTBS helper shape.
	seq := func(tag byte, content []byte) []byte {
		return append([]byte{tag, byte(len(content))}, content...)
	}
	utcTime := func(s string) []byte { return seq(0x17, []byte(s)) }
	empty := seq(0x30, nil)
	serial := []byte{0x02, 0x01, 0x01}
	subject := seq(0x30, nil)
	validity := seq(0x30, append(utcTime("200101000000Z"), utcTime("300101000000Z")...))
	tbs := append([]byte{}, serial...)
	tbs = append(tbs, empty...)    // signature algorithm
	tbs = append(tbs, empty...)    // issuer
	tbs = append(tbs, validity...) // validity
	tbs = append(tbs, subject...)  // subject
	tbs = append(tbs, empty...)    // public key
	return seq(0x30, tbs)
}

func TestRoundFetchOneLogIndexesAndCaches(t *testing.T) {
	cert := minimalTBS()
	leaf := buildX509Leaf(t, 1700000000000, cert)
	extraData := []byte("extra-data-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := `{"entries":[{"leaf_input":"` + base64.StdEncoding.EncodeToString(leaf) + `","extra_data":"` + base64.StdEncoding.EncodeToString(extraData) + `"}]}`
		w.Write([]byte(body))
	}))
	defer srv.Close()

	l := loglist.Log{Description: "test log", LogID: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", URL: srv.URL + "/"}

	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer idx.Close()

	st := state.New(filepath.Join(t.TempDir(), "state.json"))
	st.SetLog(l.LogID, state.LogFetchState{
		FetchedTo: batcher.HistState{Kind: batcher.NothingFetched},
	})
	ls, _ := st.Log(l.LogID)
	ls.STH.TreeSize = 1
	st.SetLog(l.LogID, ls)

	blobs := newMemBlobs()
	round := &Round{
		Fetcher: ctfetch.New(),
		Index:   idx,
		Blobs:   blobs,
		State:   st,
	}

	if err := round.Run(context.Background(), []loglist.Log{l}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	after, ok := st.Log(l.LogID)
	if !ok {
		t.Fatal("expected log state after run")
	}
	if after.FetchedTo.Kind != batcher.Fetching {
		t.Fatalf("expected Fetching state, got %+v", after.FetchedTo)
	}
	if after.FetchedTo.Fetching != (batcher.Range{Start: 0, End: 0}) {
		t.Fatalf("unexpected fetched range: %+v", after.FetchedTo.Fetching)
	}

	leafHash := dbhash.Sum(cert)
	has, err := idx.HasCert(context.Background(), leafHash)
	if err != nil {
		t.Fatalf("HasCert: %v", err)
	}
	if !has {
		t.Fatal("expected certificate to be indexed")
	}

	blobs.mu.Lock()
	stored, ok := blobs.data[leafHash]
	blobs.mu.Unlock()
	if !ok || string(stored) != string(cert) {
		t.Fatal("expected the inner cert to be cached under its leaf hash")
	}
}

func TestRoundSkipsLogWithoutKnownSTH(t *testing.T) {
	l := loglist.Log{Description: "unknown log", LogID: "log-unknown", URL: "http://127.0.0.1:0/"}

	idx, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer idx.Close()

	round := &Round{
		Fetcher: ctfetch.New(),
		Index:   idx,
		Blobs:   newMemBlobs(),
		State:   state.New(filepath.Join(t.TempDir(), "state.json")),
	}

	if err := round.Run(context.Background(), []loglist.Log{l}); err != nil {
		t.Fatalf("Run should not fail the whole round for one unreachable log: %v", err)
	}
}
