// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"os"
	"os/signal"
	"syscall"
)

// InstallSignals wires SIGHUP, SIGCHLD and SIGTERM/SIGINT to state using
// signal.Notify and a plain goroutine, replacing the async-signal-safe C
// handler original_source/src/jobrunner.rs describes (a SIGHUP listener
// that writes directly to the event FD). In Go, signal.Notify delivers
// signals to an ordinary channel read by an ordinary goroutine, so no
// signal-safety constraints apply; requestReload and wake already do the
// equivalent "poke the event pipe" work without taking the state mutex.
//
// shutdown is closed when SIGTERM or SIGINT arrives. The Scheduler then
// stops starting queued jobs and returns from Run once every running job
// has exited; the listener stays open until the caller closes it after that.
func InstallSignals(state *sharedState) (shutdown chan struct{}) {
	shutdown = make(chan struct{})

	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGHUP:
				state.requestReload()
			case syscall.SIGCHLD:
				// A child exited or changed state. The scheduler reaps via
				// non-blocking Wait4 once it observes both pipe ends
				// hung up, so SIGCHLD only needs to wake the poll loop.
				state.wake()
			case syscall.SIGTERM, syscall.SIGINT:
				close(shutdown)
				state.wake()
				return
			}
		}
	}()

	return shutdown
}
