// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// readBufSize is the scratch buffer size used to drain a child's
// stderr/stdout pipe on each readiness notification. Grounded on
// original_source/src/jobrunner.rs's READBUF constant and its comment that
// it should be >= PIPE_BUF for performance.
const readBufSize = 8 * 1024

// pollIntervalMillis bounds how long Scheduler.Run blocks in unix.Poll
// when it must wake up periodically anyway (to retry a queued job or
// check a deadline), mirroring original_source/src/jobrunner.rs's
// WAIT_TIMEOUT of one second.
const pollIntervalMillis = 1000

// runningJob is the in-memory state of one job slot. Grounded on
// original_source/src/jobrunner.rs's Job struct, adapted to Go: the
// temporary directory and files are plain paths that Scheduler removes
// explicitly instead of relying on Rust's Drop.
type runningJob struct {
	job *QueuedJob

	cmd *exec.Cmd

	stderrRead *os.File
	stdoutRead *os.File
	stderrHup  bool
	stdoutHup  bool

	captureFile   *os.File
	captureWriter io.Writer
	capturePath   string
	payloadPath   string
	workDir       string

	deadline time.Time
	termSent bool

	// isErrorCmd is true once this slot's child has been replaced by its
	// rule's error command, per the slot state machine in spec.md §4.3: a
	// failed error command is released on exit, never re-run.
	isErrorCmd bool
}

// Scheduler is the single-threaded reactor that pops jobs off a RepoQueue
// and runs them, multiplexing readiness over every running job's
// stderr/stdout pipes plus the shared wake pipe with one unix.Poll call
// per iteration. Grounded on original_source/src/jobrunner.rs's JobRunner.
type Scheduler struct {
	state *sharedState

	maxJobs int
	slots   []*runningJob
	pollfds []unix.PollFd

	verbose bool
}

// NewScheduler returns a Scheduler sized to state's current configuration.
func NewScheduler(state *sharedState, verbose bool) *Scheduler {
	state.mu.Lock()
	maxJobs := state.config.MaxJobs
	state.mu.Unlock()

	s := &Scheduler{
		state:   state,
		maxJobs: maxJobs,
		slots:   make([]*runningJob, maxJobs),
		verbose: verbose,
	}
	s.updatePollFds()
	return s
}

// updatePollFds must be called every time a slot's occupant, or its hangup
// state, changes, so that the next Poll call has accurate fds. Hung-up or
// empty slots get fd -1, which unix.Poll ignores. Grounded directly on
// JobRunner::update_pollfds.
func (s *Scheduler) updatePollFds() {
	pollfds := make([]unix.PollFd, len(s.slots)*2+1)
	for i, rj := range s.slots {
		stderrFd := int32(-1)
		stdoutFd := int32(-1)
		if rj != nil {
			if !rj.stderrHup {
				stderrFd = int32(rj.stderrRead.Fd())
			}
			if !rj.stdoutHup {
				stdoutFd = int32(rj.stdoutRead.Fd())
			}
		}
		pollfds[i*2] = unix.PollFd{Fd: stderrFd, Events: unix.POLLIN}
		pollfds[i*2+1] = unix.PollFd{Fd: stdoutFd, Events: unix.POLLIN}
	}
	pollfds[len(s.slots)*2] = unix.PollFd{Fd: int32(s.state.wakeRead), Events: unix.POLLIN}
	s.pollfds = pollfds
}

func (s *Scheduler) numRunning() int {
	n := 0
	for _, rj := range s.slots {
		if rj != nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) freeSlot() int {
	for i, rj := range s.slots {
		if rj == nil {
			return i
		}
	}
	return -1
}

// Run is the scheduler's main loop. It returns once shutdown is closed and
// every running job has exited, so that the caller can exit the process
// only after every child has been reaped.
func (s *Scheduler) Run(shutdown <-chan struct{}) {
	checkQueue := false
	quit := false
	buf := make([]byte, readBufSize)

	for {
		running := s.numRunning()
		numWaiting := s.countWaiting()

		select {
		case <-shutdown:
			quit = true
		default:
		}

		if quit && running == 0 {
			return
		}

		timeout := -1
		if numWaiting > 0 || (checkQueue && running < s.maxJobs) || quit {
			timeout = pollIntervalMillis
		} else if d, ok := s.nearestDeadline(); ok {
			ms := int(time.Until(d) / time.Millisecond)
			if ms < 0 {
				ms = 0
			}
			if ms > pollIntervalMillis {
				ms = pollIntervalMillis
			}
			timeout = ms
		}

		_, _ = unix.Poll(s.pollfds, timeout)

		// Process this round's readiness against the pollfds array as it
		// stood when Poll was called, before handleReload below has a
		// chance to resize slots/pollfds out from under these indices.
		polled := s.pollfds
		wakeReady := polled[len(s.slots)*2].Revents&unix.POLLIN != 0

		for i, rj := range s.slots {
			if rj == nil {
				continue
			}
			s.drainPipe(polled[i*2].Revents, rj, &rj.stderrHup, rj.stderrRead, buf)
			s.drainPipe(polled[i*2+1].Revents, rj, &rj.stdoutHup, rj.stdoutRead, buf)
		}

		s.reapExited()

		if wakeReady {
			checkQueue = true
			s.state.drainWake()
		}

		if s.state.reloadPending.Load() {
			s.handleReload()
		}

		if !quit && checkQueue && s.numRunning() < s.maxJobs {
			checkQueue = !s.tryPopQueue()
		}

		s.sendDeadlineSignals()
	}
}

// countWaiting returns how many running jobs have both pipes hung up and
// are just waiting to be reaped; while this is nonzero we must keep
// polling on a short timeout instead of blocking indefinitely.
func (s *Scheduler) countWaiting() int {
	n := 0
	for _, rj := range s.slots {
		if rj != nil && rj.stderrHup && rj.stdoutHup {
			n++
		}
	}
	return n
}

func (s *Scheduler) nearestDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	for _, rj := range s.slots {
		if rj == nil {
			continue
		}
		if !found || rj.deadline.Before(best) {
			best = rj.deadline
			found = true
		}
	}
	return best, found
}

// drainPipe reads what is available on one pipe end (one buffer's worth
// while the writer is still open, everything up to EOF once it has hung
// up) and appends it to the job's capture file, then notes the hangup.
// Knowing when a pipe is truly closed is subtle; like jobrunner.rs we
// treat POLLHUP on this specific fd as authoritative for that fd alone,
// never for the pair, and only reap once both stderr and stdout have
// separately hung up.
func (s *Scheduler) drainPipe(revents int16, rj *runningJob, hup *bool, r *os.File, buf []byte) {
	if revents == 0 {
		return
	}
	hungUp := revents&unix.POLLHUP != 0
	if revents&unix.POLLIN != 0 || hungUp {
		for {
			n, err := r.Read(buf)
			if n > 0 {
				_, _ = rj.captureWriter.Write(buf[:n])
			}
			if err != nil && n == 0 {
				// EOF with no POLLHUP reported yet; treated the same as hangup.
				if err == io.EOF {
					hungUp = true
				}
				break
			}
			if !hungUp {
				break
			}
		}
	}
	if hungUp {
		*hup = true
		s.updatePollFds()
	}
}

// reapExited non-blockingly waits on every slot whose stderr and stdout
// have both hung up, per spec: a job is never reaped on a single pipe's
// hangup, only once both have separately closed, and reaping itself is
// always a non-blocking wait so the poll loop never stalls on a child that
// is slow to actually exit after closing its descriptors.
//
// Following the slot state machine in spec.md §4.3: a successful exit
// always releases the slot; a failed exit of a normal job with an
// error_cmd configured replaces the child in place (the slot stays
// occupied until the error command itself is reaped); any other failed
// exit — an already-running error command, or no error_cmd configured —
// releases the slot.
func (s *Scheduler) reapExited() {
	for i, rj := range s.slots {
		if rj == nil || !rj.stderrHup || !rj.stdoutHup {
			continue
		}

		var ws unix.WaitStatus
		pid, err := unix.Wait4(rj.cmd.Process.Pid, &ws, unix.WNOHANG, nil)
		if err != nil || pid == 0 {
			continue
		}

		success := ws.Exited() && ws.ExitStatus() == 0
		if success {
			s.cleanupSlot(i, rj)
			continue
		}

		if !rj.isErrorCmd && rj.job.Rule.HasError {
			if s.replaceWithErrorCommand(i, rj, ws.ExitStatus()) {
				continue
			}
		}

		s.cleanupSlot(i, rj)
	}
}

// sendDeadlineSignals sends SIGTERM once to every running job whose
// per-rule timeout has elapsed. Grounded on spec.md's deadline-based
// timeout: jobrunner.rs has no direct equivalent (the upstream snippet
// retrieved here predates per-job timeouts), so this follows the teacher's
// own style of a single best-effort signal send, guarded by termSent so a
// slow-to-die child is not repeatedly signalled every loop iteration.
func (s *Scheduler) sendDeadlineSignals() {
	now := time.Now()
	for _, rj := range s.slots {
		if rj == nil || rj.termSent {
			continue
		}
		if now.Before(rj.deadline) {
			continue
		}
		rj.termSent = true
		_ = rj.cmd.Process.Signal(unix.SIGTERM)
	}
}

// cleanupSlot removes a finished job's temporary artifacts and frees its
// slot for reuse.
func (s *Scheduler) cleanupSlot(i int, rj *runningJob) {
	_ = rj.stderrRead.Close()
	_ = rj.stdoutRead.Close()
	_ = rj.captureFile.Close()
	_ = os.Remove(rj.capturePath)
	_ = os.Remove(rj.payloadPath)
	_ = os.RemoveAll(rj.workDir)
	s.slots[i] = nil
	s.updatePollFds()
}

// tryPopQueue drains as much of the queue as it can, returning true if it
// emptied every runnable head or false if it had to stop because a slot
// ran out or a job failed for a transient reason and was pushed back.
// Grounded on JobRunner::try_pop_queue.
func (s *Scheduler) tryPopQueue() bool {
	// The lock is held from each Pop through any PushFront of the same job,
	// as RepoQueue.PushFront requires for EVICT semantics.
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	for {
		qj := s.state.queue.Pop(func(repoID string) bool { return s.repoRunning(repoID) })
		if qj == nil {
			return true
		}

		if s.numRunning() == s.maxJobs {
			s.state.queue.PushFront(qj)
			return false
		}

		rj, transient, err := s.tryStartJob(qj)
		if err != nil {
			if transient {
				s.state.queue.PushFront(qj)
				return false
			}
			logErrf("snare: %s: can't start job: %s", qj.RepoID, err)
			continue
		}

		i := s.freeSlot()
		s.slots[i] = rj
		s.updatePollFds()
		logDebugf("snare: %s: started run %s", qj.RepoID, qj.RunID)
	}
}

// repoRunning reports whether any slot currently holds a job for repoID.
func (s *Scheduler) repoRunning(repoID string) bool {
	for _, rj := range s.slots {
		if rj != nil && rj.job.RepoID == repoID {
			return true
		}
	}
	return false
}

// tryStartJob spawns qj's command. A true transient return means the
// caller should push qj back onto the front of the queue and retry later;
// false with a non-nil error means the job is permanently consumed.
// Grounded on JobRunner::try_job: write the payload to a temp file, spawn
// into a fresh temp working directory, capture combined output, and set
// both pipe ends non-blocking before returning.
func (s *Scheduler) tryStartJob(qj *QueuedJob) (*runningJob, bool, error) {
	if !qj.Rule.HasCmd {
		return nil, false, fmt.Errorf("no cmd configured for %s", qj.RepoID)
	}

	payloadFile, err := os.CreateTemp("", "snare-payload-"+qj.RunID+"-*.json")
	if err != nil {
		return nil, true, err
	}
	payloadPath := payloadFile.Name()
	if _, err := payloadFile.WriteString(qj.Payload); err != nil {
		payloadFile.Close()
		os.Remove(payloadPath)
		return nil, true, err
	}
	payloadFile.Close()

	workDir, err := os.MkdirTemp("", "snare-work-"+qj.RunID+"-*")
	if err != nil {
		os.Remove(payloadPath)
		return nil, true, err
	}

	captureFile, err := os.CreateTemp("", "snare-capture-"+qj.RunID+"-*.log")
	if err != nil {
		os.Remove(payloadPath)
		os.RemoveAll(workDir)
		return nil, true, err
	}
	capturePath := captureFile.Name()

	vars := templateVars{
		event:       qj.Event,
		owner:       qj.Owner,
		repo:        qj.Repo,
		payloadPath: payloadPath,
	}
	script := expandTemplate(qj.Rule.Cmd, vars)

	shellPath := os.Getenv("SHELL")
	if shellPath == "" {
		shellPath = "/bin/sh"
	}

	cmd := exec.Command(shellPath, "-c", script)
	cmd.Dir = workDir
	cmd.Stdin = nil

	stderrReadR, stderrWriteW, err := os.Pipe()
	if err != nil {
		captureFile.Close()
		os.Remove(capturePath)
		os.Remove(payloadPath)
		os.RemoveAll(workDir)
		return nil, true, err
	}
	stdoutReadR, stdoutWriteW, err := os.Pipe()
	if err != nil {
		stderrReadR.Close()
		stderrWriteW.Close()
		captureFile.Close()
		os.Remove(capturePath)
		os.Remove(payloadPath)
		os.RemoveAll(workDir)
		return nil, true, err
	}

	cmd.Stderr = stderrWriteW
	cmd.Stdout = stdoutWriteW

	if err := cmd.Start(); err != nil {
		stderrReadR.Close()
		stderrWriteW.Close()
		stdoutReadR.Close()
		stdoutWriteW.Close()
		captureFile.Close()
		os.Remove(capturePath)
		os.Remove(payloadPath)
		os.RemoveAll(workDir)
		return nil, false, fmt.Errorf("spawn %s: %w", filepath.Base(shellPath), err)
	}

	// The parent must close its copy of the write ends so that POLLHUP
	// fires once the child itself closes them.
	stderrWriteW.Close()
	stdoutWriteW.Close()

	if err := unix.SetNonblock(int(stderrReadR.Fd()), true); err != nil {
		logErrf("snare: %s: set nonblock stderr: %s", qj.RepoID, err)
	}
	if err := unix.SetNonblock(int(stdoutReadR.Fd()), true); err != nil {
		logErrf("snare: %s: set nonblock stdout: %s", qj.RepoID, err)
	}

	rj := &runningJob{
		job:           qj,
		cmd:           cmd,
		stderrRead:    stderrReadR,
		stdoutRead:    stdoutReadR,
		captureFile:   captureFile,
		captureWriter: newCaptureWriter(qj.RunID, captureFile, s.verbose),
		capturePath:   capturePath,
		payloadPath: payloadPath,
		workDir:     workDir,
		deadline:    time.Now().Add(time.Duration(qj.Rule.Timeout) * time.Second),
	}
	return rj, false, nil
}

// replaceWithErrorCommand spawns rj.job.Rule.ErrorCmd in place of the child
// that just exited with failure, substituting %s/%x/%? alongside the usual
// %e/%o/%r/%j escapes. The slot's payload file, working directory and
// capture file all stay alive and are reused: %s names the same capture
// path the failed job just wrote to, and the error command's own output is
// appended to it. rj is mutated in place (new cmd, new pipes, hup flags
// cleared, isErrorCmd set) so the caller keeps the slot occupied instead of
// releasing it; cleanupSlot only runs once this child is itself reaped.
// Returns false if the error command could not even be spawned, in which
// case the caller falls back to releasing the slot as usual.
func (s *Scheduler) replaceWithErrorCommand(i int, rj *runningJob, exitStatus int) bool {
	vars := templateVars{
		event:       rj.job.Event,
		owner:       rj.job.Owner,
		repo:        rj.job.Repo,
		payloadPath: rj.payloadPath,
		capturePath: rj.capturePath,
		exitStatus:  exitStatus,
		hasExit:     true,
	}
	script := expandTemplate(rj.job.Rule.ErrorCmd, vars)

	shellPath := os.Getenv("SHELL")
	if shellPath == "" {
		shellPath = "/bin/sh"
	}

	cmd := exec.Command(shellPath, "-c", script)
	cmd.Dir = rj.workDir
	cmd.Stdin = nil

	stderrReadR, stderrWriteW, err := os.Pipe()
	if err != nil {
		logErrf("snare: %s: error_cmd pipe: %s", rj.job.RepoID, err)
		return false
	}
	stdoutReadR, stdoutWriteW, err := os.Pipe()
	if err != nil {
		stderrReadR.Close()
		stderrWriteW.Close()
		logErrf("snare: %s: error_cmd pipe: %s", rj.job.RepoID, err)
		return false
	}

	cmd.Stderr = stderrWriteW
	cmd.Stdout = stdoutWriteW

	if err := cmd.Start(); err != nil {
		stderrReadR.Close()
		stderrWriteW.Close()
		stdoutReadR.Close()
		stdoutWriteW.Close()
		logErrf("snare: %s: error_cmd failed to start: %s", rj.job.RepoID, err)
		return false
	}

	stderrWriteW.Close()
	stdoutWriteW.Close()

	if err := unix.SetNonblock(int(stderrReadR.Fd()), true); err != nil {
		logErrf("snare: %s: set nonblock stderr: %s", rj.job.RepoID, err)
	}
	if err := unix.SetNonblock(int(stdoutReadR.Fd()), true); err != nil {
		logErrf("snare: %s: set nonblock stdout: %s", rj.job.RepoID, err)
	}

	rj.cmd = cmd
	rj.stderrRead = stderrReadR
	rj.stdoutRead = stdoutReadR
	rj.stderrHup = false
	rj.stdoutHup = false
	rj.isErrorCmd = true
	rj.termSent = false
	rj.deadline = time.Now().Add(time.Duration(rj.job.Rule.Timeout) * time.Second)

	s.updatePollFds()
	return true
}

// handleReload re-reads the configuration file named by the current
// config's source path and applies it. Growing MaxJobs takes effect
// immediately (new slots are simply appended); shrinking it takes effect
// only if, at the time of this reload, the new, smaller slot count can hold
// every still-running job. Otherwise the slot count is left unchanged, and
// only a later reload that finds few enough jobs running applies it.
func (s *Scheduler) handleReload() {
	s.state.reloadPending.Store(false)

	s.state.mu.Lock()
	source := s.state.config.source
	s.state.mu.Unlock()

	newCfg, err := LoadConfig(source)
	if err != nil {
		logErrf("snare: reload %s: %s", source, err)
		return
	}

	s.state.mu.Lock()
	s.state.config = newCfg
	s.state.mu.Unlock()

	if newCfg.MaxJobs > len(s.slots) {
		grown := make([]*runningJob, newCfg.MaxJobs)
		copy(grown, s.slots)
		s.slots = grown
		s.maxJobs = newCfg.MaxJobs
		s.updatePollFds()
	} else if newCfg.MaxJobs < s.maxJobs && s.numRunning() <= newCfg.MaxJobs {
		shrunk := make([]*runningJob, 0, newCfg.MaxJobs)
		for _, rj := range s.slots {
			if rj != nil {
				shrunk = append(shrunk, rj)
			}
		}
		for len(shrunk) < newCfg.MaxJobs {
			shrunk = append(shrunk, nil)
		}
		s.slots = shrunk
		s.maxJobs = newCfg.MaxJobs
		s.updatePollFds()
	} else if newCfg.MaxJobs < s.maxJobs {
		// Deferred shrink: s.maxJobs stays at its old value. Jobs finishing
		// does not shrink it; only a later reload that finds at most
		// newCfg.MaxJobs jobs running does.
		logWarnf("snare: reload %s: maxjobs %d requested but %d jobs still running; shrink deferred",
			source, newCfg.MaxJobs, s.numRunning())
	}

	logInfof("snare: configuration reloaded from %s", source)
}
