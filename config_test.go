// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"testing"

	"git.sr.ht/~shulhan/pakakeh.go/lib/test"
)

const sampleConfig = `
listen = "127.0.0.1:8765";
maxjobs = 4;

github {
	match ".*" {
		cmd = "/bin/default %e %o %r %j";
		timeout = 60;
	}

	match "^acme/.*" {
		queue = evict;
		secret = "s3cret";
	}

	match "^acme/widgets$" {
		cmd = "/bin/widgets %e %o %r %j";
		error_cmd = "/bin/notify %e %o %r %s %x %?";
	}
}
`

func TestLoadConfig_cumulativeResolve(t *testing.T) {
	rc, err := parseConfigSource(sampleConfig)
	test.Assert(t, "parse error", error(nil), err)

	cfg, err := buildConfig(rc)
	test.Assert(t, "build error", error(nil), err)

	test.Assert(t, "listen", "127.0.0.1:8765", cfg.Listen)
	test.Assert(t, "maxjobs", 4, cfg.MaxJobs)

	other := cfg.resolve("other", "repo")
	test.Assert(t, "unrelated repo gets default cmd", "/bin/default %e %o %r %j", other.Cmd)
	test.Assert(t, "unrelated repo keeps default queue", QueueSequential, other.QueueKind)
	test.Assert(t, "unrelated repo keeps default timeout", 60, other.Timeout)
	test.Assert(t, "unrelated repo has no secret", false, other.HasSecret)

	widgets := cfg.resolve("acme", "widgets")
	test.Assert(t, "widgets cmd overridden by most specific match", "/bin/widgets %e %o %r %j", widgets.Cmd)
	test.Assert(t, "widgets inherits evict queue from acme/.* match", QueueEvict, widgets.QueueKind)
	test.Assert(t, "widgets inherits secret from acme/.* match", "s3cret", widgets.Secret)
	test.Assert(t, "widgets gets its own error_cmd", true, widgets.HasError)

	gadgets := cfg.resolve("acme", "gadgets")
	test.Assert(t, "gadgets keeps the default cmd", "/bin/default %e %o %r %j", gadgets.Cmd)
	test.Assert(t, "gadgets inherits evict queue", QueueEvict, gadgets.QueueKind)
	test.Assert(t, "gadgets has no error_cmd", false, gadgets.HasError)
}

func TestLoadConfig_requiresListenAndGitHub(t *testing.T) {
	rc, err := parseConfigSource(`maxjobs = 2;`)
	test.Assert(t, "parse error", error(nil), err)

	_, err = buildConfig(rc)
	if err == nil {
		t.Fatal("expected an error for a config missing listen and github")
	}
}

func TestLoadConfig_rejectsDuplicateOption(t *testing.T) {
	_, err := parseConfigSource(`
		listen = "a:1";
		listen = "b:2";
		github { match ".*" {} }
	`)
	if err == nil {
		t.Fatal("expected an error for duplicate 'listen'")
	}
}
