// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// DropPrivileges switches the calling process's uid/gid to userName, if
// set. It must be called after the HTTP listener has bound its port, so
// that snare can still bind privileged ports while running its daemon
// loop as an unprivileged user, mirroring original_source/src/main.rs's
// ordering (bind, then the equivalent drop in the C ancestor this was
// ported from) even though this retrieved source snapshot predates the
// feature. Grounded, for the Go-specific syscalls, on
// golang.org/x/sys/unix.Setuid/Setgid as used for privilege handling
// throughout the examples' Unix-facing code.
func DropPrivileges(userName string) error {
	if userName == "" {
		return nil
	}

	u, err := user.Lookup(userName)
	if err != nil {
		return fmt.Errorf("dropPrivileges: %w", err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("dropPrivileges: invalid gid %q: %w", u.Gid, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("dropPrivileges: invalid uid %q: %w", u.Uid, err)
	}

	// Drop the supplementary groups and the primary group before the
	// uid, since once the uid changes we may no longer have permission
	// to change the gid.
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("dropPrivileges: Setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("dropPrivileges: Setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("dropPrivileges: Setuid: %w", err)
	}

	return nil
}
