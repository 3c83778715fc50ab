// Package sched drives the per-month processors: a single-threaded polling
// control loop that admits verified archives into a bounded worker pool,
// re-scans the filesystem for newly-ready and newly-complete months, and
// reclaims archives once both durable artifacts exist.
package sched

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/chessfreq/internal/archive"
	"github.com/freeeve/chessfreq/internal/layout"
	"github.com/freeeve/chessfreq/internal/manifest"
)

// State is the scheduling state of one database id.
type State int

const (
	StateNeedsDownload State = iota // no usable local archive
	StateUnverified                 // archive present, digest not yet checked
	StatePending                    // verified, waiting for a worker slot
	StateRunning                    // processor task in flight
	StateComplete                   // completion log exists
	StateReclaimed                  // archive deleted after completion
)

func (s State) String() string {
	switch s {
	case StateNeedsDownload:
		return "needs-download"
	case StateUnverified:
		return "downloaded-unverified"
	case StatePending:
		return "verified-pending"
	case StateRunning:
		return "running"
	case StateComplete:
		return "logged-complete"
	case StateReclaimed:
		return "archive-reclaimed"
	}
	return "unknown"
}

// RunFunc processes one verified archive to completion. The completion log
// it writes, not its return value, is the durable proof of success.
type RunFunc func(ctx context.Context, id string) error

// Config configures the scheduler.
type Config struct {
	Snapshot     *manifest.Snapshot
	Archives     *archive.Store
	Layout       layout.Layout
	Run          RunFunc
	MaxWorkers   int           // concurrent processor tasks (default 1)
	PollInterval time.Duration // sleep between iterations (default 256s)
	Logger       zerolog.Logger
}

type taskResult struct {
	id  string
	err error
}

// taskHandle tracks one in-flight processor task.
type taskHandle struct {
	id        string
	startedAt time.Time
}

// Scheduler reconciles per-month state against the filesystem and runs
// processors with bounded parallelism.
type Scheduler struct {
	cfg Config
	log zerolog.Logger

	ids      []string
	states   map[string]State
	admitted map[string]bool // admitted once this run; no automatic retry
	running  map[string]taskHandle
	results  chan taskResult
}

// New creates a scheduler over every database id in the snapshot.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Snapshot == nil {
		return nil, fmt.Errorf("snapshot required")
	}
	if cfg.Archives == nil {
		return nil, fmt.Errorf("archive store required")
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("run func required")
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 256 * time.Second
	}

	ids := cfg.Snapshot.IDs()
	states := make(map[string]State, len(ids))
	for _, id := range ids {
		states[id] = StateNeedsDownload
	}

	return &Scheduler{
		cfg:      cfg,
		log:      cfg.Logger,
		ids:      ids,
		states:   states,
		admitted: make(map[string]bool, len(ids)),
		running:  make(map[string]taskHandle, cfg.MaxWorkers),
		results:  make(chan taskResult, cfg.MaxWorkers),
	}, nil
}

// Run executes the control loop until no id remains pending or running.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Int("databases", len(s.ids)).
		Int("max_workers", s.cfg.MaxWorkers).
		Dur("poll_interval", s.cfg.PollInterval).
		Msg("scheduler started")

	for {
		s.drainResults()
		s.rescan()
		s.admit(ctx)

		if len(s.running) == 0 && !s.hasPending() {
			s.log.Info().Msg("nothing pending or running, scheduler done")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// States returns a copy of the current per-id states.
func (s *Scheduler) States() map[string]State {
	out := make(map[string]State, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}

// drainResults frees the slot of every task that has exited. Crash vs
// success is logged, but completion is decided only by the log artifact
// on the next rescan.
func (s *Scheduler) drainResults() {
	for {
		select {
		case res := <-s.results:
			handle := s.running[res.id]
			delete(s.running, res.id)
			s.states[res.id] = StatePending
			if res.err != nil {
				s.log.Warn().
					Err(res.err).
					Str("id", res.id).
					Dur("elapsed", time.Since(handle.startedAt)).
					Msg("processor task failed, slot freed")
			} else {
				s.log.Info().
					Str("id", res.id).
					Dur("elapsed", time.Since(handle.startedAt)).
					Msg("processor task finished")
			}
		default:
			return
		}
	}
}

// rescan recomputes readiness for every id from the filesystem and the
// manifests, applying transitions idempotently: completed months are marked
// and their archives reclaimed, newly-present archives are verified once
// and promoted to pending.
func (s *Scheduler) rescan() {
	for _, id := range s.ids {
		switch s.states[id] {
		case StateReclaimed, StateRunning:
			continue
		}

		if s.logExists(id) {
			if s.states[id] != StateComplete {
				s.states[id] = StateComplete
				s.log.Info().Str("id", id).Msg("completion log found")
			}
			s.reclaim(id)
			continue
		}

		if s.admitted[id] {
			// Ran this cycle without producing a log; slot already freed,
			// no automatic retry.
			continue
		}

		if !s.cfg.Archives.Present(id) {
			s.states[id] = StateNeedsDownload
			continue
		}
		if s.states[id] == StatePending {
			continue // already verified
		}

		s.states[id] = StateUnverified
		if err := s.cfg.Archives.Verify(id); err != nil {
			// A corrupt copy was deleted by Verify; either way the id is
			// back to waiting for a download.
			s.log.Warn().Err(err).Str("id", id).Msg("archive verification failed")
			s.states[id] = StateNeedsDownload
			continue
		}
		s.states[id] = StatePending
		s.log.Info().Str("id", id).Msg("archive verified, pending")
	}
}

// reclaim deletes a completed month's archive. Both artifacts must exist
// before the only destructive action in the pipeline runs.
func (s *Scheduler) reclaim(id string) {
	if !s.cfg.Archives.Present(id) {
		s.states[id] = StateReclaimed
		return
	}
	if !s.tableExists(id) {
		s.log.Warn().Str("id", id).Msg("log without table, keeping archive")
		return
	}
	if err := s.cfg.Archives.Reclaim(id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("reclaim failed")
		return
	}
	s.states[id] = StateReclaimed
}

// admit starts pending tasks while worker slots remain. An id is admitted
// at most once per run.
func (s *Scheduler) admit(ctx context.Context) {
	for _, id := range s.ids {
		if len(s.running) >= s.cfg.MaxWorkers {
			return
		}
		if s.states[id] != StatePending || s.admitted[id] {
			continue
		}

		s.admitted[id] = true
		s.states[id] = StateRunning
		s.running[id] = taskHandle{id: id, startedAt: time.Now()}
		s.log.Info().Str("id", id).Int("running", len(s.running)).Msg("task started")

		go func(id string) {
			s.results <- taskResult{id: id, err: s.cfg.Run(ctx, id)}
		}(id)
	}
}

// hasPending reports whether any id is still waiting for its first admission.
func (s *Scheduler) hasPending() bool {
	for _, id := range s.ids {
		if s.states[id] == StatePending && !s.admitted[id] {
			return true
		}
	}
	return false
}

func (s *Scheduler) logExists(id string) bool {
	_, err := os.Stat(s.cfg.Layout.LogPath(id))
	return err == nil
}

func (s *Scheduler) tableExists(id string) bool {
	_, err := os.Stat(s.cfg.Layout.TablePath(id))
	return err == nil
}
