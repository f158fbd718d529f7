// Package batcher decides which range of a log's entries to fetch next,
// balancing making forward progress against the most recent entries with
// backfilling the log's history down to a minimum retained depth.
package batcher

import (
	"encoding/json"
	"fmt"
)

const (
	// MaxPageSize is the largest batch requested from a log's get-entries
	// endpoint. Forward and backfill pages are always capped at it; a
	// cold-start batch uses it until the learned page size takes over.
	MaxPageSize = 1000
	// FetchesForSmallerPages is the number of fetches a log must exceed
	// before its own page-size ceiling (whatever it chooses to actually
	// return) replaces MaxPageSize as the size of a cold-start batch, to play
	// nice with server-side caching.
	FetchesForSmallerPages = 10
	// MinHistory is the minimum number of trailing entries every log
	// should have backfilled before a gap is considered filled.
	MinHistory = 5000
)

// Range is an inclusive [Start, End] index range into a log's entries.
type Range struct {
	Start uint64
	End   uint64
}

// Kind tags which case of HistState a value holds.
type Kind int

const (
	// NothingFetched means no entries have been retrieved for this log yet.
	NothingFetched Kind = iota
	// Fetching means a single contiguous range has been retrieved.
	Fetching
	// FillingHistGap means a forward range is fully caught up to the log's
	// head, and a separate, older range is being backfilled toward it.
	FillingHistGap
)

// HistState is the batching progress for a single log. It is a tagged
// union: Fetching is valid when Kind is Fetching or FillingHistGap; HistGap
// is valid only when Kind is FillingHistGap.
type HistState struct {
	Kind     Kind
	Fetching Range
	HistGap  Range
}

// MarshalJSON encodes HistState as a tagged variant, not a struct: the bare
// string "NothingFetched", or a single-key object keyed by "Fetching" or
// "FillingHistGap", matching the shape the persisted fetch state uses.
func (s HistState) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case NothingFetched:
		return json.Marshal("NothingFetched")
	case Fetching:
		return json.Marshal(map[string][2]uint64{
			"Fetching": {s.Fetching.Start, s.Fetching.End},
		})
	case FillingHistGap:
		return json.Marshal(map[string]any{
			"FillingHistGap": map[string][2]uint64{
				"hist_gap": {s.HistGap.Start, s.HistGap.End},
				"fetching": {s.Fetching.Start, s.Fetching.End},
			},
		})
	default:
		return nil, fmt.Errorf("batcher: unknown HistState kind %d", s.Kind)
	}
}

// UnmarshalJSON decodes the tagged-variant shape MarshalJSON produces.
func (s *HistState) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		if tag != "NothingFetched" {
			return fmt.Errorf("batcher: unknown hist state tag %q", tag)
		}
		*s = HistState{Kind: NothingFetched}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("batcher: hist state: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("batcher: hist state: expected exactly one key, got %d", len(raw))
	}
	for key, body := range raw {
		switch key {
		case "Fetching":
			var r [2]uint64
			if err := json.Unmarshal(body, &r); err != nil {
				return fmt.Errorf("batcher: hist state Fetching: %w", err)
			}
			*s = HistState{Kind: Fetching, Fetching: Range{Start: r[0], End: r[1]}}
		case "FillingHistGap":
			var fields struct {
				HistGap  [2]uint64 `json:"hist_gap"`
				Fetching [2]uint64 `json:"fetching"`
			}
			if err := json.Unmarshal(body, &fields); err != nil {
				return fmt.Errorf("batcher: hist state FillingHistGap: %w", err)
			}
			*s = HistState{
				Kind:     FillingHistGap,
				Fetching: Range{Start: fields.Fetching[0], End: fields.Fetching[1]},
				HistGap:  Range{Start: fields.HistGap[0], End: fields.HistGap[1]},
			}
		default:
			return fmt.Errorf("batcher: hist state: unknown tag %q", key)
		}
	}
	return nil
}

// Transient holds the per-log, not-persisted-across-restarts statistics used
// to pick a page size once a log's behavior has been observed.
type Transient struct {
	Fetches         uint64
	HighestPageSize uint64
}

func mergeAdjacentRanges(a, b Range) (Range, bool) {
	if a.Start == b.End+1 {
		// a picks up right where b ends: going forwards.
		return Range{b.Start, a.End}, true
	}
	if b.Start > 0 && a.End == b.Start-1 {
		// a ends right where b begins: going backwards.
		return Range{a.Start, b.End}, true
	}
	return Range{}, false
}

// MergeFetched folds a newly-fetched range into the batching state. newRange
// must be adjacent to whichever range the current state is extending, per
// NextBatch's contract; a non-adjacent range on a FillingHistGap state is a
// programming error and panics, matching the invariant NextBatch guarantees.
func (s HistState) MergeFetched(newRange Range) HistState {
	switch s.Kind {
	case NothingFetched:
		return HistState{Kind: Fetching, Fetching: newRange}

	case Fetching:
		if merged, ok := mergeAdjacentRanges(s.Fetching, newRange); ok {
			return HistState{Kind: Fetching, Fetching: merged}
		}
		return HistState{Kind: FillingHistGap, Fetching: s.Fetching, HistGap: newRange}

	case FillingHistGap:
		histGap, ok := mergeAdjacentRanges(s.HistGap, newRange)
		if !ok {
			panic(fmt.Sprintf("batcher: non-adjacent range %v merged into hist gap %v", newRange, s.HistGap))
		}
		if combined, ok := mergeAdjacentRanges(histGap, s.Fetching); ok {
			return HistState{Kind: Fetching, Fetching: combined}
		}
		return HistState{Kind: FillingHistGap, Fetching: s.Fetching, HistGap: histGap}

	default:
		panic(fmt.Sprintf("batcher: unknown HistState kind %d", s.Kind))
	}
}

// extendRange picks the next page to fetch so that [curStart, curEnd]
// extends toward endpoint, or backfills below curStart once it reaches it.
// Both bounds are inclusive.
func extendRange(curStart, curEnd, endpoint uint64) (Range, bool) {
	switch {
	case curEnd == endpoint:
		// Reached the endpoint; see if there's history left to backfill.
		desiredStart := saturatingSub(curEnd, MinHistory)
		if desiredStart >= curStart {
			return Range{}, false
		}
		lo := saturatingSub(curStart, MinHistory)
		if alt := saturatingSub(curStart, MaxPageSize); alt > lo {
			lo = alt
		}
		return Range{lo, curStart - 1}, true

	case curEnd < endpoint:
		// Not yet caught up; fetch another page toward the endpoint.
		end := curEnd + MaxPageSize
		if endpoint < end {
			end = endpoint
		}
		return Range{curEnd + 1, end}, true

	default:
		panic(fmt.Sprintf("batcher: current end %d is past endpoint %d", curEnd, endpoint))
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// NextBatch returns the next range of entries to fetch for a log, given its
// current batching state, its STH's tree size, and the transient page-size
// statistics learned so far. The second return value is false when nothing
// needs to be fetched right now. The returned range is always adjacent to
// whichever range state is currently extending.
func NextBatch(state HistState, sthTreeSize uint64, transient Transient) (Range, bool) {
	pageSize := uint64(MaxPageSize)
	if transient.Fetches > FetchesForSmallerPages {
		pageSize = transient.HighestPageSize
	}

	// STH tree sizes are entry counts; convert to the 0-indexed last entry.
	treeSize := saturatingSub(sthTreeSize, 1)

	switch state.Kind {
	case NothingFetched:
		return Range{saturatingSub(treeSize, pageSize-1), treeSize}, true

	case Fetching:
		return extendRange(state.Fetching.Start, state.Fetching.End, treeSize)

	case FillingHistGap:
		return extendRange(state.HistGap.Start, state.HistGap.End, state.Fetching.Start-1)

	default:
		panic(fmt.Sprintf("batcher: unknown HistState kind %d", state.Kind))
	}
}
