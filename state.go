// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// sharedState is the data the HTTP ingest goroutine and the Scheduler both
// touch. Grounded on original_source/src/main.rs's Snare struct (config,
// queue, event_read_fd, event_write_fd behind a single Arc), adapted to Go
// idiom: a sync.Mutex guards the config and queue instead of Rust's
// Mutex<Queue>, and reload is signalled with an atomic.Bool instead of a
// SIGHUP listener thread writing directly to the event pipe.
type sharedState struct {
	mu     sync.Mutex
	config *Config
	queue  *RepoQueue

	// wakeRead/wakeWrite are the two ends of a non-blocking pipe used to
	// wake the Scheduler's poll loop when the HTTP server enqueues a job
	// or a signal handler needs attention.
	wakeRead  int
	wakeWrite int

	// reloadPending is set by the SIGHUP handler and cleared by the
	// Scheduler when it starts a reload, before the configuration file is
	// read, whether or not the new configuration then loads.
	reloadPending atomic.Bool
}

// NewSharedState creates the wake pipe and wraps cfg and an empty queue in
// a sharedState. Grounded on original_source/src/main.rs's use of
// nix::fcntl::pipe2(OFlag::O_NONBLOCK); here that is
// unix.Pipe2(..., unix.O_NONBLOCK).
func NewSharedState(cfg *Config) (*sharedState, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &sharedState{
		config:    cfg,
		queue:     NewRepoQueue(),
		wakeRead:  fds[0],
		wakeWrite: fds[1],
	}, nil
}

// wake writes a single byte to the wake pipe, rousing the Scheduler's poll
// loop. Callers must not hold the state mutex while calling it: enqueue
// releases the mutex first, and requestReload never takes it, so that a
// Scheduler woken by this write never blocks acquiring it to see what changed.
func (s *sharedState) wake() {
	var b [1]byte
	_, _ = unix.Write(s.wakeWrite, b[:])
}

// drainWake empties the wake pipe after the Scheduler observes it is
// readable. It is fine to drain it completely: every write that caused it
// to become readable corresponds to work already visible under the mutex.
func (s *sharedState) drainWake() {
	var buf [256]byte
	for {
		n, err := unix.Read(s.wakeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// enqueue locks the state, pushes job onto the queue according to its
// rule's queueing discipline, and wakes the scheduler.
func (s *sharedState) enqueue(job *QueuedJob) {
	s.mu.Lock()
	s.queue.PushBack(job)
	s.mu.Unlock()
	s.wake()
}

// requestReload marks that a SIGHUP has arrived and wakes the scheduler so
// it can act on the flag promptly instead of waiting for the next timeout.
func (s *sharedState) requestReload() {
	s.reloadPending.Store(true)
	s.wake()
}
