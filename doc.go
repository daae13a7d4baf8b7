// SPDX-FileCopyrightText: 2021 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package snare implements a daemon that receives GitHub webhook
// deliveries over HTTP and runs a user-configured shell command per
// repository event.
//
// The package is built around four collaborators: a [RepoQueue] keyed by
// repository identifier, a bounded HTTP ingest server that authenticates
// and enqueues deliveries, a single-threaded [Scheduler] that multiplexes
// readiness across a wake pipe and every running child's stdio pipes, and
// a [sharedState] container that the ingest server and the scheduler
// access under a mutex.
//
// Configuration is loaded from a brace-delimited file (see [LoadConfig])
// and can be hot-reloaded by sending the process SIGHUP.
//
// For more information see DESIGN.md and SPEC_FULL.md in this repository.
package snare
