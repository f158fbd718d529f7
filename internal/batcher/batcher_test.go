package batcher

import (
	"encoding/json"
	"testing"
)

func TestHistStateJSONShapes(t *testing.T) {
	cases := []struct {
		name string
		in   HistState
		want string
	}{
		{
			name: "nothing fetched",
			in:   HistState{Kind: NothingFetched},
			want: `"NothingFetched"`,
		},
		{
			name: "fetching",
			in:   HistState{Kind: Fetching, Fetching: Range{Start: 10, End: 20}},
			want: `{"Fetching":[10,20]}`,
		},
		{
			name: "filling hist gap",
			in:   HistState{Kind: FillingHistGap, Fetching: Range{Start: 10, End: 20}, HistGap: Range{Start: 40, End: 50}},
			want: `{"FillingHistGap":{"fetching":[10,20],"hist_gap":[40,50]}}`,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := json.Marshal(c.in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != c.want {
				t.Fatalf("Marshal(%+v) = %s, want %s", c.in, got, c.want)
			}

			var roundTripped HistState
			if err := json.Unmarshal(got, &roundTripped); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if roundTripped != c.in {
				t.Fatalf("round trip = %+v, want %+v", roundTripped, c.in)
			}
		})
	}
}

func TestHistStateUnmarshalRejectsUnknownTag(t *testing.T) {
	var s HistState
	if err := json.Unmarshal([]byte(`{"SomeOtherVariant":[1,2]}`), &s); err == nil {
		t.Fatal("expected an error for an unrecognized tagged variant")
	}
}

func TestNextBatchColdStartShortLog(t *testing.T) {
	// A log with only 500 entries (STH tree_size = 500) should be fetched
	// in a single initial page covering the whole log.
	got, ok := NextBatch(HistState{Kind: NothingFetched}, 500, Transient{})
	if !ok {
		t.Fatal("expected a batch on cold start")
	}
	if want := (Range{0, 499}); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextBatchColdStartLongLog(t *testing.T) {
	// A log with 10000 entries should start with the most recent 1000.
	got, ok := NextBatch(HistState{Kind: NothingFetched}, 10000, Transient{})
	if !ok {
		t.Fatal("expected a batch on cold start")
	}
	if want := (Range{9000, 9999}); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextBatchBackfillsThenStopsAtMinHistory(t *testing.T) {
	state := HistState{Kind: Fetching, Fetching: Range{9000, 9999}}

	batch, ok := NextBatch(state, 10000, Transient{})
	if !ok {
		t.Fatal("expected a backfill batch")
	}
	if want := (Range{8000, 8999}); batch != want {
		t.Fatalf("first backfill: got %v, want %v", batch, want)
	}
	state = state.MergeFetched(batch)
	if state.Kind != Fetching || state.Fetching != (Range{8000, 9999}) {
		t.Fatalf("expected Fetching [8000, 9999] after first backfill, got %+v", state)
	}

	batch, ok = NextBatch(state, 10000, Transient{})
	if !ok {
		t.Fatal("expected a second backfill batch")
	}
	if want := (Range{7000, 7999}); batch != want {
		t.Fatalf("second backfill: got %v, want %v", batch, want)
	}
	state = state.MergeFetched(batch)

	// Keep backfilling until MinHistory is satisfied; this must terminate.
	const maxIterations = 20
	iterations := 0
	for {
		batch, ok = NextBatch(state, 10000, Transient{})
		if !ok {
			break
		}
		iterations++
		if iterations > maxIterations {
			t.Fatal("backfill did not converge")
		}
		state = state.MergeFetched(batch)
	}

	if state.Kind != Fetching {
		t.Fatalf("expected a single merged Fetching range once history is full, got kind %d", state.Kind)
	}
	if state.Fetching.End != 9999 {
		t.Fatalf("fetched range should still end at the tip, got %v", state.Fetching)
	}
	if depth := state.Fetching.End - state.Fetching.Start + 1; depth < MinHistory {
		t.Fatalf("backfill stopped short of MinHistory: depth %d", depth)
	}
}

func TestNextBatchAdvancesWithLogGrowth(t *testing.T) {
	state := HistState{Kind: Fetching, Fetching: Range{4000, 9999}}

	// The log grew to tree_size 10501 (0-indexed last entry 10500).
	batch, ok := NextBatch(state, 10501, Transient{})
	if !ok {
		t.Fatal("expected a batch after log growth")
	}
	if want := (Range{10000, 10500}); batch != want {
		t.Fatalf("got %v, want %v", batch, want)
	}
	state = state.MergeFetched(batch)
	if state.Kind != Fetching || state.Fetching != (Range{4000, 10500}) {
		t.Fatalf("unexpected merged state: %+v", state)
	}

	// Caught up: nothing left to fetch.
	_, ok = NextBatch(state, 10501, Transient{})
	if ok {
		t.Fatal("expected no batch once fully caught up with sufficient history")
	}
}

func TestNextBatchUsesLearnedPageSizeAfterThreshold(t *testing.T) {
	transient := Transient{Fetches: FetchesForSmallerPages + 1, HighestPageSize: 250}
	got, ok := NextBatch(HistState{Kind: NothingFetched}, 10000, transient)
	if !ok {
		t.Fatal("expected a batch")
	}
	if want := (Range{9750, 9999}); got != want {
		t.Fatalf("got %v, want %v (should use learned page size of 250)", got, want)
	}
}

func TestMergeFetchedForward(t *testing.T) {
	s := HistState{Kind: Fetching, Fetching: Range{100, 199}}
	merged := s.MergeFetched(Range{200, 299})
	if want := (HistState{Kind: Fetching, Fetching: Range{100, 299}}); merged != want {
		t.Fatalf("got %+v, want %+v", merged, want)
	}
}

func TestMergeFetchedBackward(t *testing.T) {
	s := HistState{Kind: Fetching, Fetching: Range{200, 299}}
	merged := s.MergeFetched(Range{100, 199})
	if want := (HistState{Kind: Fetching, Fetching: Range{100, 299}}); merged != want {
		t.Fatalf("got %+v, want %+v", merged, want)
	}
}

func TestMergeFetchedOpensHistGap(t *testing.T) {
	s := HistState{Kind: Fetching, Fetching: Range{9000, 9999}}
	merged := s.MergeFetched(Range{7000, 7999})
	want := HistState{Kind: FillingHistGap, Fetching: Range{9000, 9999}, HistGap: Range{7000, 7999}}
	if merged != want {
		t.Fatalf("got %+v, want %+v", merged, want)
	}
}
