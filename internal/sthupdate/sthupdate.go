// Package sthupdate refreshes each active log's signed tree head before a
// fetch round, so the batcher always works from a current endpoint.
package sthupdate

import (
	"context"
	"fmt"
	"log"

	"ctmon.dev/internal/ctfetch"
	"ctmon.dev/internal/loglist"
	"ctmon.dev/internal/state"
)

// UpdateAll refreshes the STH for every log in logs, storing the result in
// st. A log whose STH fetch fails is logged and skipped, not fatal: a
// single flaky log should never stop the rest of the fleet from making
// progress this round.
func UpdateAll(ctx context.Context, fetcher *ctfetch.Fetcher, logs []loglist.Log, st *state.State) {
	for _, l := range logs {
		if err := updateOne(ctx, fetcher, l, st); err != nil {
			log.Printf("sthupdate: %q: %v", l.Description, err)
		}
	}
}

func updateOne(ctx context.Context, fetcher *ctfetch.Fetcher, l loglist.Log, st *state.State) error {
	newSTH, err := fetcher.FetchSTH(ctx, l)
	if err != nil {
		return fmt.Errorf("fetch sth: %w", err)
	}

	old, known := st.Log(l.LogID)
	if known {
		// A log's tree must never shrink, and its clock must never run
		// backwards. Either is a serious operator-visible anomaly, but not
		// one this monitor is in a position to fix: log it and move on.
		// The new STH is still stored so the batcher keeps making forward
		// progress instead of getting stuck behind a one-off glitch.
		if newSTH.TreeSize < old.STH.TreeSize || newSTH.Timestamp < old.STH.Timestamp {
			log.Printf("sthupdate: %q: sth went backwards: had tree_size=%d ts=%d, got tree_size=%d ts=%d",
				l.Description, old.STH.TreeSize, old.STH.Timestamp, newSTH.TreeSize, newSTH.Timestamp)
		}
		old.STH = newSTH
		st.SetLog(l.LogID, old)
		return nil
	}

	st.SetLog(l.LogID, state.LogFetchState{STH: newSTH})
	return nil
}
