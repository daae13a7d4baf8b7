// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"strconv"

	"git.sr.ht/~shulhan/pakakeh.go/lib/mlog"

	"github.com/softdevteam/snare"
)

// verbosity implements flag.Value as a repeatable counting flag: each
// bare "-v" increments it by one (IsBoolFlag lets it take no operand), so
// "-v -v -v" raises the count to 3. The stdlib flag package does not
// combine single-letter flags, so "-vvv" is not accepted.
type verbosity int

func (v *verbosity) String() string {
	if v == nil {
		return "0"
	}
	return strconv.Itoa(int(*v))
}

func (v *verbosity) Set(string) error {
	*v++
	return nil
}

func (v *verbosity) IsBoolFlag() bool { return true }

func main() {
	mlog.SetPrefix("snare:")

	var (
		configPath string
		foreground bool
		verbose    verbosity
	)

	flag.StringVar(&configPath, "c", "/etc/snare/snare.conf", "the snare configuration file")
	flag.BoolVar(&foreground, "d", false, "do not detach from the controlling terminal (run in the foreground)")
	flag.Var(&verbose, "v", "raise log verbosity (repeatable: warn, info, debug, trace)")
	flag.Parse()

	snare.SetLogLevel(int(verbose))

	cfg, err := snare.LoadConfig(configPath)
	if err != nil {
		mlog.Fatalf(err.Error())
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		mlog.Fatalf("listen %s: %s", cfg.Listen, err)
	}

	if err := snare.Daemonize(!foreground); err != nil {
		mlog.Fatalf(err.Error())
	}

	if cfg.User != "" {
		// The listener above is already bound, so dropping privileges
		// now still lets 'listen' name a privileged port.
		if err := snare.DropPrivileges(cfg.User); err != nil {
			mlog.Fatalf(err.Error())
		}
	}

	state, err := snare.NewSharedState(cfg)
	if err != nil {
		mlog.Fatalf(err.Error())
	}

	shutdown := snare.InstallSignals(state)

	scheduler := snare.NewScheduler(state, verbose > 0)
	ingest := snare.NewIngestServer(state)

	go func() {
		if err := ingest.Serve(ln); err != nil {
			mlog.Errf("ingest server stopped: %s", err)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			mlog.Errf("recover: %s\n", r)
			mlog.Flush()
			debug.PrintStack()
			os.Exit(1)
		}
	}()
	defer mlog.Flush()

	mlog.Outf(fmt.Sprintf("listening on %s, config %s", cfg.Listen, configPath))
	scheduler.Run(shutdown)
	ln.Close()
}
