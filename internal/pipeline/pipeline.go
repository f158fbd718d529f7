// Package pipeline drives one fetch round across every active log:
// computing each log's next batch, retrieving and decoding it, and storing
// the result, all in parallel across logs.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"ctmon.dev/internal/batcher"
	"ctmon.dev/internal/certdecode"
	"ctmon.dev/internal/ctfetch"
	"ctmon.dev/internal/dbhash"
	"ctmon.dev/internal/entrycodec"
	"ctmon.dev/internal/index"
	"ctmon.dev/internal/loglist"
	"ctmon.dev/internal/state"
)

// maxConcurrentLogs bounds how many logs are fetched from at once, so a
// round against a large log list doesn't open an unbounded number of
// simultaneous HTTP connections.
const maxConcurrentLogs = 16

// Round fetches one batch of entries from every log that has one ready,
// indexing decoded certificates as it goes and caching their raw bytes.
// Logs are visited in random order each round so that, under the
// concurrency cap, no log is systematically starved by whichever logs
// happen to sort first.
type Round struct {
	Fetcher *ctfetch.Fetcher
	Index   *index.Index
	Blobs   blobPutter
	State   *state.State
}

// blobPutter is the subset of blobcache.Cache a round needs; narrowed to an
// interface here so pipeline tests can stub it without pulling in S3/fs
// machinery.
type blobPutter interface {
	Put(ctx context.Context, key dbhash.Hash, data []byte) error
}

// Run drives one round of fetching across logs, returning once every log
// has either fetched a batch or had nothing left to fetch this round. A
// single log's failure is logged and does not abort the round for the
// others.
func (r *Round) Run(ctx context.Context, logs []loglist.Log) error {
	shuffled := make([]loglist.Log, len(logs))
	copy(shuffled, logs)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLogs)
	for _, l := range shuffled {
		l := l
		g.Go(func() error {
			if err := r.fetchOneLog(gctx, l); err != nil {
				log.Printf("pipeline: %q: %v", l.Description, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Round) fetchOneLog(ctx context.Context, l loglist.Log) error {
	ls, known := r.State.Log(l.LogID)
	if !known {
		return fmt.Errorf("no sth recorded yet, skipping until next sth update")
	}

	batch, ok := batcher.NextBatch(ls.FetchedTo, ls.STH.TreeSize, r.State.Transient(l.LogID))
	if !ok {
		return nil
	}

	items, err := r.Fetcher.FetchEntries(ctx, l, batch.Start, batch.End)
	if err != nil {
		return fmt.Errorf("fetch entries %d-%d: %w", batch.Start, batch.End, err)
	}
	if len(items) == 0 {
		return fmt.Errorf("log returned zero entries for requested range %d-%d", batch.Start, batch.End)
	}

	// The log is entitled to return fewer entries than requested, never
	// more: shrink the batch to what was actually returned before merging
	// it into the persisted range.
	actualEnd := batch.Start + uint64(len(items)) - 1
	if actualEnd > batch.End {
		return fmt.Errorf("log returned %d entries, more than the %d requested", len(items), batch.End-batch.Start+1)
	}
	fetched := batcher.Range{Start: batch.Start, End: actualEnd}

	records := make([]index.Record, 0, len(items))
	for i, item := range items {
		idx := batch.Start + uint64(i)
		rec, cert, err := decodeRecord(l.LogID, idx, item)
		if err != nil {
			log.Printf("pipeline: %q entry %d: %v", l.Description, idx, err)
			continue
		}
		records = append(records, rec)

		if err := r.Blobs.Put(ctx, rec.LeafHash, cert); err != nil {
			log.Printf("pipeline: %q entry %d: cache inner cert: %v", l.Description, idx, err)
		}
	}

	if err := r.Index.InsertBatch(ctx, records); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	r.State.RecordFetch(l.LogID, uint64(len(items)))
	ls.FetchedTo = ls.FetchedTo.MergeFetched(fetched)
	r.State.SetLog(l.LogID, ls)
	return nil
}

func decodeRecord(logID string, leafIndex uint64, item entrycodec.GetEntriesItem) (index.Record, []byte, error) {
	entry := item.LeafInput.TimestampedEntry
	cert := entry.LogEntry.InnerCert()

	domains, err := certdecode.ExtractDomains(cert)
	if err != nil {
		return index.Record{}, nil, fmt.Errorf("extract domains: %w", err)
	}
	strDomains := make([]string, len(domains))
	for i, d := range domains {
		strDomains[i] = string(d)
	}

	notBefore, notAfter, err := certdecode.ExtractValidity(cert)
	if err != nil {
		return index.Record{}, nil, fmt.Errorf("extract validity: %w", err)
	}

	logIDNum, err := logIDToNum(logID)
	if err != nil {
		return index.Record{}, nil, fmt.Errorf("log id: %w", err)
	}

	return index.Record{
		LogID:     logID,
		LogIDNum:  logIDNum,
		LeafIndex: leafIndex,
		LeafHash:  dbhash.Sum(cert),
		ExtraHash: dbhash.Sum(item.ExtraData),
		Timestamp: int64(entry.Timestamp),
		NotBefore: notBefore,
		NotAfter:  notAfter,
		IsPrecert: entry.LogEntry.Type == entrycodec.PrecertEntry,
		Domains:   strDomains,
	}, cert, nil
}

// logIDToNum projects a log's base64-encoded LogId onto the first 4 bytes
// of its decoded form, read little-endian, for compact numeric indexing.
func logIDToNum(logID string) (uint32, error) {
	raw, err := base64.StdEncoding.DecodeString(logID)
	if err != nil {
		return 0, fmt.Errorf("decode log id: %w", err)
	}
	if len(raw) < 4 {
		return 0, fmt.Errorf("decoded log id too short: %d bytes", len(raw))
	}
	return binary.LittleEndian.Uint32(raw[:4]), nil
}
