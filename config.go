// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
)

// QueueKind is the per-rule scheduling discipline described in spec.md §3.
type QueueKind int

// List of queue kinds.
const (
	// QueueSequential allows at most one running job per repository
	// identifier; others wait FIFO.
	QueueSequential QueueKind = iota
	// QueueParallel applies no mutual exclusion per repository identifier.
	QueueParallel
	// QueueEvict discards every queued-but-not-yet-running job for the
	// same repository identifier on enqueue, and allows at most one
	// running job per repository identifier.
	QueueEvict
)

func (k QueueKind) String() string {
	switch k {
	case QueueParallel:
		return "parallel"
	case QueueEvict:
		return "evict"
	default:
		return "sequential"
	}
}

func parseQueueKind(s string) (QueueKind, error) {
	switch s {
	case "sequential":
		return QueueSequential, nil
	case "parallel":
		return QueueParallel, nil
	case "evict":
		return QueueEvict, nil
	default:
		return 0, fmt.Errorf("unknown queue kind %q", s)
	}
}

const defaultTimeoutSeconds = 3600

// matchRule is one `match "<regex>" { ... }` block, fully parsed and
// validated, overlaid in declaration order onto the implicit default rule
// by Config.resolve. Grounded on original_source/src/config.rs's Match.
type matchRule struct {
	re        *regexp.Regexp
	cmd       *string
	errorCmd  *string
	queueKind *QueueKind
	secret    *string
	timeout   *int
}

// Config is the parsed, validated configuration tree for one snare
// instance. See spec.md §3 and §6.
type Config struct {
	// Listen is the "ip:port" the HTTP ingest server binds to.
	Listen string
	// MaxJobs is the maximum number of concurrently running jobs,
	// 1 <= MaxJobs <= (MaxInt-1)/2.
	MaxJobs int
	// User is the Unix user to drop privileges to after binding, if set.
	User string

	matches []matchRule

	// source is the path this Config was loaded from, so that SIGHUP
	// reload can re-read the same file.
	source string
}

// Rule is the fully resolved, per-(owner,repo) configuration produced by
// cumulative matching (spec.md §3 "Rule cumulative matching").
type Rule struct {
	Cmd       string
	HasCmd    bool
	ErrorCmd  string
	HasError  bool
	QueueKind QueueKind
	Timeout   int
	Secret    string
	HasSecret bool
}

// LoadConfig reads and parses the configuration file at path, returning a
// fully validated Config or a descriptive error. Grounded on
// original_source/src/config.rs's Config::from_path: a single pass over
// the parsed tree that rejects duplicate top-level options, defaults
// maxjobs to the host CPU count, and requires both 'listen' and a
// 'github' block.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadConfig: %w", err)
	}

	rc, err := parseConfigSource(string(data))
	if err != nil {
		return nil, errInvalidConfig(path, err)
	}

	cfg, err := buildConfig(rc)
	if err != nil {
		return nil, errInvalidConfig(path, err)
	}
	cfg.source = path

	return cfg, nil
}

func buildConfig(rc *rawConfig) (*Config, error) {
	if !rc.hasListen {
		return nil, fmt.Errorf("a 'listen' address must be specified")
	}
	if rc.github == nil {
		return nil, fmt.Errorf("a 'github' block must be specified")
	}

	maxJobs := rc.maxJobs
	if !rc.hasMaxJobs {
		maxJobs = runtime.NumCPU()
	}
	maxAllowed := (int(^uint(0)>>1) - 1) / 2
	if maxJobs < 1 {
		return nil, fmt.Errorf("maxjobs must allow at least 1 job")
	}
	if maxJobs > maxAllowed {
		return nil, fmt.Errorf("maxjobs must be at most %d", maxAllowed)
	}

	cfg := &Config{
		Listen:  rc.listen,
		MaxJobs: maxJobs,
	}
	if rc.hasUser {
		cfg.User = rc.user
	}

	for _, rm := range rc.github.matches {
		mr, err := buildMatchRule(rm)
		if err != nil {
			return nil, err
		}
		cfg.matches = append(cfg.matches, mr)
	}

	return cfg, nil
}

func buildMatchRule(rm rawMatch) (matchRule, error) {
	re, err := regexp.Compile("^" + rm.regex + "$")
	if err != nil {
		return matchRule{}, fmt.Errorf("line %d: invalid regular expression %q: %w", rm.line, rm.regex, err)
	}

	mr := matchRule{re: re}

	if rm.cmd != nil {
		if err := verifyTemplate(*rm.cmd, cmdEscapes); err != nil {
			return matchRule{}, fmt.Errorf("line %d: %w", rm.line, err)
		}
		mr.cmd = rm.cmd
	}
	if rm.errorCmd != nil {
		if err := verifyTemplate(*rm.errorCmd, errorCmdEscapes); err != nil {
			return matchRule{}, fmt.Errorf("line %d: %w", rm.line, err)
		}
		mr.errorCmd = rm.errorCmd
	}
	if rm.queueKind != nil {
		qk, err := parseQueueKind(*rm.queueKind)
		if err != nil {
			return matchRule{}, fmt.Errorf("line %d: %w", rm.line, err)
		}
		mr.queueKind = &qk
	}
	if rm.secret != nil {
		if len(*rm.secret) == 0 {
			return matchRule{}, fmt.Errorf("line %d: secret must not be empty", rm.line)
		}
		mr.secret = rm.secret
	}
	if rm.timeout != nil {
		mr.timeout = rm.timeout
	}

	return mr, nil
}

// resolve computes the effective Rule for "owner/repo" by iterating every
// matching rule in declaration order and overlaying any field it sets onto
// the implicit default rule (SEQUENTIAL, 3600s timeout, no cmd/error_cmd/
// secret), per spec.md §3 "Rule cumulative matching". Grounded on
// original_source/src/config.rs's Config::repoconfig, translated field for
// field.
func (c *Config) resolve(owner, repo string) Rule {
	rule := Rule{QueueKind: QueueSequential, Timeout: defaultTimeoutSeconds}

	s := owner + "/" + repo
	for _, m := range c.matches {
		if !m.re.MatchString(s) {
			continue
		}
		if m.cmd != nil {
			rule.Cmd = *m.cmd
			rule.HasCmd = true
		}
		if m.errorCmd != nil {
			rule.ErrorCmd = *m.errorCmd
			rule.HasError = true
		}
		if m.queueKind != nil {
			rule.QueueKind = *m.queueKind
		}
		if m.secret != nil {
			rule.Secret = *m.secret
			rule.HasSecret = true
		}
		if m.timeout != nil {
			rule.Timeout = *m.timeout
		}
	}

	return rule
}
