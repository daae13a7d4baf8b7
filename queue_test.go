// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"testing"
	"time"

	"git.sr.ht/~shulhan/pakakeh.go/lib/test"
)

func noneRunning(string) bool { return false }

func TestRepoQueue_FIFOWithinRepo(t *testing.T) {
	q := NewRepoQueue()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := &QueuedJob{RepoID: "github/a/b", ReceivedAt: base, Rule: Rule{QueueKind: QueueSequential}}
	second := &QueuedJob{RepoID: "github/a/b", ReceivedAt: base.Add(time.Second), Rule: Rule{QueueKind: QueueSequential}}

	q.PushBack(first)
	q.PushBack(second)

	got := q.Pop(noneRunning)
	test.Assert(t, "first pop returns oldest", first, got)

	test.Assert(t, "queue not empty after one pop", false, q.IsEmpty())

	got = q.Pop(noneRunning)
	test.Assert(t, "second pop returns second job", second, got)

	test.Assert(t, "queue empty after both pops", true, q.IsEmpty())
}

func TestRepoQueue_SequentialBlocksOnRunning(t *testing.T) {
	q := NewRepoQueue()
	job := &QueuedJob{RepoID: "github/a/b", ReceivedAt: time.Now(), Rule: Rule{QueueKind: QueueSequential}}
	q.PushBack(job)

	running := func(repoID string) bool { return repoID == "github/a/b" }
	got := q.Pop(running)
	test.Assert(t, "sequential job excluded while repo running", (*QueuedJob)(nil), got)
}

func TestRepoQueue_ParallelIgnoresRunning(t *testing.T) {
	q := NewRepoQueue()
	job := &QueuedJob{RepoID: "github/a/b", ReceivedAt: time.Now(), Rule: Rule{QueueKind: QueueParallel}}
	q.PushBack(job)

	running := func(repoID string) bool { return repoID == "github/a/b" }
	got := q.Pop(running)
	test.Assert(t, "parallel job runs even while repo running", job, got)
}

func TestRepoQueue_EvictCoalesces(t *testing.T) {
	q := NewRepoQueue()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := &QueuedJob{RepoID: "github/a/b", ReceivedAt: base, Rule: Rule{QueueKind: QueueEvict}}
	second := &QueuedJob{RepoID: "github/a/b", ReceivedAt: base.Add(time.Second), Rule: Rule{QueueKind: QueueEvict}}

	q.PushBack(first)
	q.PushBack(second)

	got := q.Pop(noneRunning)
	test.Assert(t, "evict keeps only the latest push", second, got)
	test.Assert(t, "queue empty after evicted pop", true, q.IsEmpty())
}

func TestRepoQueue_PushFrontRetried(t *testing.T) {
	q := NewRepoQueue()
	job := &QueuedJob{RepoID: "github/a/b", ReceivedAt: time.Now(), Rule: Rule{QueueKind: QueueSequential}}
	q.PushFront(job)

	test.Assert(t, "pushed-front job is popped", job, q.Pop(noneRunning))
}

func TestRepoQueue_OldestAcrossRepos(t *testing.T) {
	q := NewRepoQueue()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	newer := &QueuedJob{RepoID: "github/a/newer", ReceivedAt: base.Add(time.Minute), Rule: Rule{QueueKind: QueueSequential}}
	older := &QueuedJob{RepoID: "github/a/older", ReceivedAt: base, Rule: Rule{QueueKind: QueueSequential}}

	q.PushBack(newer)
	q.PushBack(older)

	got := q.Pop(noneRunning)
	test.Assert(t, "oldest head wins across repos", older, got)
}
