// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// snareDaemonEnv marks a re-executed process as already detached, so that
// the re-exec happens exactly once no matter how many times daemonize is
// called on the resulting process tree.
const snareDaemonEnv = "SNARE_DAEMONIZED=1"

// Daemonize detaches the current process from its controlling terminal by
// re-executing the running executable (os.Executable) with the same
// arguments in a new session, then exits the parent. It is a
// no-op if the process was already daemonized, or if detach is false.
// There is no direct analogue in the retrieved original_source snapshot
// or in shuLhan-karajo (both run in the foreground under a supervisor);
// this follows the standard Go double-fork-free daemonizing idiom of
// Setsid in SysProcAttr, the same primitive golang.org/x/sys/unix exposes
// for every other process-control need in this module.
func Daemonize(detach bool) error {
	if !detach || os.Getenv("SNARE_DAEMONIZED") == "1" {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("Daemonize: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("Daemonize: %w", err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), snareDaemonEnv)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("Daemonize: %w", err)
	}

	os.Exit(0)
	return nil
}
