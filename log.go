// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"io"
	"os"

	"git.sr.ht/~shulhan/pakakeh.go/lib/mlog"
)

// newCaptureWriter returns the destination a running job's combined
// stderr/stdout is written to: always the capture file, and additionally
// the daemon's own stdout (tagged with runID) when verbose is set.
// Grounded on shuLhan-karajo's job.go, which registers one
// mlog.NewNamedWriter per output destination on a job's logger; here a
// plain io.MultiWriter plays the same "fan out to N destinations" role
// without timestamping raw, not-necessarily-line-oriented child output.
func newCaptureWriter(runID string, capture *os.File, verbose bool) io.Writer {
	if !verbose {
		return capture
	}
	return io.MultiWriter(capture, mlog.NewNamedWriter(runID, os.Stdout))
}

// logErrf writes an error daemon-level message through the package-level
// mlog sink, unconditionally: errors are always visible regardless of the
// -v verbosity threshold, the way shuLhan-karajo's job_base.go and job.go
// call mlog.Errf directly on failure.
func logErrf(format string, args ...interface{}) {
	mlog.Errf(format, args...)
}

// logLevel is the verbosity threshold set once at startup from the CLI's
// repeatable -v flag (cmd/snare/main.go's verbosity type). mlog itself has
// no notion of levels — it only exposes Outf/Errf/Fatalf sinks — so the
// gating lives here: level 0 (no -v) prints only the unconditional
// logErrf messages above, and each additional -v raises logLevel through
// logWarnf, logInfof, logDebugf, and logTracef below.
var logLevel int

const (
	logLevelWarn = iota + 1
	logLevelInfo
	logLevelDebug
	logLevelTrace
)

// SetLogLevel sets the verbosity threshold for logWarnf/logInfof/
// logDebugf/logTracef. Called once from cmd/snare/main.go after flag
// parsing.
func SetLogLevel(n int) {
	logLevel = n
}

// logWarnf writes a message visible at -v and above.
func logWarnf(format string, args ...interface{}) {
	if logLevel >= logLevelWarn {
		mlog.Outf(format, args...)
	}
}

// logInfof writes a message visible at -v -v and above.
func logInfof(format string, args ...interface{}) {
	if logLevel >= logLevelInfo {
		mlog.Outf(format, args...)
	}
}

// logDebugf writes a message visible at -v -v -v and above.
func logDebugf(format string, args ...interface{}) {
	if logLevel >= logLevelDebug {
		mlog.Outf(format, args...)
	}
}

// logTracef writes a message visible at -v -v -v -v and above. Per spec.md §7,
// protocol-level rejections in ingest.go are logged at this level: noisy
// enough that they are silent by default but available when chasing down
// why a particular delivery was rejected.
func logTracef(format string, args ...interface{}) {
	if logLevel >= logLevelTrace {
		mlog.Outf(format, args...)
	}
}
