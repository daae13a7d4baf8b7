// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import "time"

// QueuedJob is the queued form of a job descriptor: everything the
// scheduler needs to start a job, but nothing that only exists once it is
// running. See spec.md §3 "Job descriptor (queued form)".
type QueuedJob struct {
	// RepoID is "github/<owner>/<repo>".
	RepoID string
	Owner  string
	Repo   string
	// Event is the lowercase GitHub event type, e.g. "push".
	Event string
	// ReceivedAt is the monotonic request-receipt timestamp, used by
	// RepoQueue.Pop to pick the oldest runnable head.
	ReceivedAt time.Time
	// Payload is the raw decoded JSON payload.
	Payload string
	// Rule is the resolved per-repo configuration in effect when this
	// job was enqueued.
	Rule Rule
	// RunID uniquely identifies this job's temporary artifacts.
	RunID string
}

// RepoQueue is a mapping from repository identifier to an ordered queue of
// pending jobs, implementing the three scheduling disciplines of spec.md
// §3/§4.1. It is not safe for concurrent use; callers (ingest.go,
// scheduler.go) hold sharedState's mutex around every call. Grounded
// directly on original_source/src/queue.rs's Queue type.
type RepoQueue struct {
	byRepo map[string][]*QueuedJob
}

// NewRepoQueue returns an empty RepoQueue.
func NewRepoQueue() *RepoQueue {
	return &RepoQueue{byRepo: make(map[string][]*QueuedJob)}
}

// PushBack appends job to the sequence keyed by job.RepoID, creating the
// key if absent. If job.Rule.QueueKind is QueueEvict, the existing
// sequence for that key is cleared first, so that a burst of pushes
// between scheduler ticks coalesces down to the most recent arrival (plus
// whatever is already running).
func (q *RepoQueue) PushBack(job *QueuedJob) {
	if job.Rule.QueueKind == QueueEvict {
		delete(q.byRepo, job.RepoID)
	}
	q.byRepo[job.RepoID] = append(q.byRepo[job.RepoID], job)
}

// PushFront prepends job to the sequence keyed by job.RepoID. Used by the
// scheduler to return a job it could not start for transient reasons. The
// caller must hold the queue lock continuously from the preceding Pop to
// this call, or EVICT semantics can be violated by an intervening PushBack.
func (q *RepoQueue) PushFront(job *QueuedJob) {
	q.byRepo[job.RepoID] = append([]*QueuedJob{job}, q.byRepo[job.RepoID]...)
}

// IsEmpty reports whether every sequence in the queue is empty.
func (q *RepoQueue) IsEmpty() bool {
	for _, v := range q.byRepo {
		if len(v) > 0 {
			return false
		}
	}
	return true
}

// Pop selects and removes the runnable job with the oldest ReceivedAt
// across every non-empty sequence's head element, or returns nil if no
// candidate is runnable. isRunning(repoID) must report whether a job for
// that repository is currently running; a SEQUENTIAL or EVICT head whose
// repository is running is excluded from consideration. A nil result does
// not imply IsEmpty(): every head may be blocked on its own repo draining.
func (q *RepoQueue) Pop(isRunning func(repoID string) bool) *QueuedJob {
	var earliestKey string
	var earliestJob *QueuedJob
	var found bool

	for repoID, jobs := range q.byRepo {
		if len(jobs) == 0 {
			continue
		}
		head := jobs[0]
		if head.Rule.QueueKind != QueueParallel && isRunning(repoID) {
			continue
		}
		if !found || head.ReceivedAt.Before(earliestJob.ReceivedAt) {
			earliestKey = repoID
			earliestJob = head
			found = true
		}
	}

	if !found {
		return nil
	}

	jobs := q.byRepo[earliestKey]
	q.byRepo[earliestKey] = jobs[1:]
	if len(q.byRepo[earliestKey]) == 0 {
		delete(q.byRepo, earliestKey)
	}
	return earliestJob
}
