// Package supervisor drives the top-level loop that repeatedly refreshes
// every log's signed tree head, fetches whatever batches that makes
// available, and persists progress to disk, until interrupted.
package supervisor

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"ctmon.dev/internal/ctfetch"
	"ctmon.dev/internal/loglist"
	"ctmon.dev/internal/pipeline"
	"ctmon.dev/internal/sthupdate"
	"ctmon.dev/internal/state"
)

// roundInterval is the minimum time between the start of one round and the
// start of the next, so a quiet log list doesn't turn into a hot polling
// loop.
const roundInterval = 10 * time.Second

// Supervisor owns the process's run loop: one round is an STH refresh
// across every log, followed by a fetch pass, followed by a state save.
type Supervisor struct {
	Fetcher *ctfetch.Fetcher
	Round   *pipeline.Round
	State   *state.State
	LogList func() []loglist.Log
}

// Run loops until ctx is canceled or the process receives an interrupt
// signal, persisting state after every round and once more on exit so a
// Ctrl-C never loses more than the round in flight.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	defer func() {
		if err := s.State.Save(); err != nil {
			log.Printf("supervisor: final state save failed: %v", err)
		}
	}()

	ticker := time.NewTicker(roundInterval)
	defer ticker.Stop()

	for {
		if err := s.runOnce(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			log.Println("supervisor: interrupted, saving state and exiting")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	logs := s.LogList()

	active := make([]loglist.Log, 0, len(logs))
	now := time.Now()
	for _, l := range logs {
		if l.HasActiveCerts(now) {
			active = append(active, l)
		}
	}

	sthupdate.UpdateAll(ctx, s.Fetcher, active, s.State)

	if err := s.Round.Run(ctx, active); err != nil {
		return err
	}

	if err := s.State.Save(); err != nil {
		log.Printf("supervisor: state save failed: %v", err)
	}
	return nil
}
