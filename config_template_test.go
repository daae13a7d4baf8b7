// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"testing"

	"git.sr.ht/~shulhan/pakakeh.go/lib/test"
)

func TestVerifyTemplate(t *testing.T) {
	test.Assert(t, "%e is recognised for cmd", error(nil), verifyTemplate("%e %o %r %j %%", cmdEscapes))
	test.Assert(t, "%s rejected for cmd", true, verifyTemplate("%s", cmdEscapes) != nil)
	test.Assert(t, "%s recognised for error_cmd", error(nil), verifyTemplate("%s %x %?", errorCmdEscapes))

	if verifyTemplate("abc%", cmdEscapes) == nil {
		t.Fatal("expected an error for a trailing '%'")
	}
}

func TestExpandTemplate(t *testing.T) {
	vars := templateVars{event: "push", owner: "acme", repo: "widgets", payloadPath: "/tmp/p.json"}
	got := expandTemplate("%e/%o/%r %j %%", vars)
	test.Assert(t, "normal escapes expand", "push/acme/widgets /tmp/p.json %", got)

	errVars := templateVars{capturePath: "/tmp/c.log", exitStatus: 7, hasExit: true}
	got = expandTemplate("%s %x %?", errVars)
	test.Assert(t, "error escapes expand", "/tmp/c.log 7 1", got)

	successVars := templateVars{exitStatus: 0, hasExit: true}
	got = expandTemplate("%?", successVars)
	test.Assert(t, "success maps to 0", "0", got)
}
