// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	liberrors "git.sr.ht/~shulhan/pakakeh.go/lib/errors"
	"github.com/google/uuid"
)

// maxPayloadBytes is the content-length cap for a webhook delivery.
// Grounded on spec.md §4.2; the teacher's hyper-based original placed no
// explicit cap (hyper::body::to_bytes reads to completion), so this is a
// deliberate hardening this port adds, not a behaviour carried over.
const maxPayloadBytes = 64 * 1024

// maxConcurrentConns bounds how many deliveries are parsed at once,
// implemented as a buffered channel used as a counting semaphore — the
// same pattern shuLhan-karajo's job queueing uses a buffered channel for,
// generalised here from "one job at a time" to "N connections at a time".
const maxConcurrentConns = 16

// ingestReadWriteTimeout bounds how long a single connection's read and
// write phases may each take, so a slow or hostile client cannot pin a
// semaphore slot indefinitely.
const ingestReadWriteTimeout = 10 * time.Second

var (
	githubEventRe = regexp.MustCompile(`^[a-z_]+$`)
	githubOwnerRe = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9]|-(?:[A-Za-z0-9]))*$`)
	githubRepoRe  = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// validGitHubEvent reports whether t is a syntactically valid GitHub event
// type name, safe to use unescaped in file system paths. Grounded on
// original_source/src/httpserver.rs's valid_github_event.
func validGitHubEvent(t string) bool {
	return t != "" && githubEventRe.MatchString(t)
}

// validGitHubOwnerName reports whether n is a syntactically valid GitHub
// user or organisation name. Grounded on
// original_source/src/httpserver.rs's valid_github_ownername.
func validGitHubOwnerName(n string) bool {
	if n == "" || len(n) > 39 {
		return false
	}
	if strings.HasPrefix(n, "-") || strings.HasSuffix(n, "-") {
		return false
	}
	if strings.Contains(n, "--") {
		return false
	}
	return githubOwnerRe.MatchString(n)
}

// validGitHubRepoName reports whether n is a syntactically valid GitHub
// repository name. Grounded on original_source/src/httpserver.rs's
// valid_github_reponame.
func validGitHubRepoName(n string) bool {
	if n == "" || len(n) > 100 {
		return false
	}
	if n == "." || n == ".." {
		return false
	}
	return githubRepoRe.MatchString(n)
}

// IngestServer is the raw HTTP/1.1 webhook receiver. It deliberately does
// not use net/http.Server: spec.md's wire grammar (exact request line,
// obsolete header-folding, a hard body-size cap enforced before reading
// the body) is easiest to get right, and easiest to test, against a
// bufio.Reader directly over the accepted net.Conn.
type IngestServer struct {
	state *sharedState
	sem   chan struct{}
}

// NewIngestServer returns an IngestServer bound to state.
func NewIngestServer(state *sharedState) *IngestServer {
	return &IngestServer{
		state: state,
		sem:   make(chan struct{}, maxConcurrentConns),
	}
}

// Serve accepts connections on ln until it returns an error (including
// when ln is closed by the caller during shutdown).
func (s *IngestServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

func (s *IngestServer) handleConn(conn net.Conn) {
	defer conn.Close()

	reqTime := time.Now()

	_ = conn.SetReadDeadline(time.Now().Add(ingestReadWriteTimeout))
	br := bufio.NewReader(conn)

	status, body := s.processRequest(br, reqTime)
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseRead()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(ingestReadWriteTimeout))
	writeResponse(conn, status, body)
}

// processRequest parses and handles exactly one request, returning the
// status code and optional plain-text body to send back. It translates
// dispatch's typed error into a wire response and logs it at the severity
// spec.md §7's error taxonomy calls for: protocol errors at trace,
// authentication errors at error.
func (s *IngestServer) processRequest(br *bufio.Reader, reqTime time.Time) (int, string) {
	err := s.dispatch(br, reqTime)
	if err == nil {
		return http.StatusOK, ""
	}

	var le *liberrors.E
	if !errors.As(err, &le) {
		le = &errBadRequest
	}

	if le.Code == http.StatusUnauthorized {
		logErrf("snare: ingest: %s", le.Message)
	} else {
		logTracef("snare: ingest: %s", le.Message)
	}

	return le.Code, le.Message
}

// dispatch parses and authenticates exactly one request, enqueueing a job
// on success. A non-nil return is always a *git.sr.ht/~shulhan/pakakeh.go/
// lib/errors.E carrying the wire status to send back, per the teacher's own
// httpAuthorize/httpd handler convention of returning &errXxx directly.
func (s *IngestServer) dispatch(br *bufio.Reader, reqTime time.Time) error {
	method, _, err := readRequestLine(br)
	if err != nil {
		return &errBadRequest
	}
	if method != "POST" {
		return &errBadRequest
	}

	headers, err := readHeaders(br)
	if err != nil {
		return &errBadRequest
	}

	eventType := headers.Get("X-GitHub-Event")
	if eventType == "" || !validGitHubEvent(eventType) {
		return &errBadRequest
	}

	sig := headers.Get("X-Hub-Signature-256")
	hasSig := sig != ""
	var sigHex string
	if hasSig {
		parts := strings.SplitN(sig, "=", 2)
		if len(parts) != 2 || parts[0] != "sha256" {
			return &errBadRequest
		}
		sigHex = parts[1]
	}

	contentLength, err := strconv.Atoi(headers.Get("Content-Length"))
	if err != nil || contentLength < 0 {
		return &errBadRequest
	}
	if contentLength > maxPayloadBytes {
		return &errPayloadTooLarge
	}

	rawBody := make([]byte, contentLength)
	if _, err := io.ReadFull(br, rawBody); err != nil {
		return &errBadRequest
	}

	owner, repo, jsonStr, err := decodeAndParseBody(rawBody)
	if err != nil {
		return &errBadRequest
	}

	if !validGitHubOwnerName(owner) {
		return &errBadRequest
	}
	if !validGitHubRepoName(repo) {
		return &errBadRequest
	}

	s.state.mu.Lock()
	rule := s.state.config.resolve(owner, repo)
	s.state.mu.Unlock()

	switch {
	case rule.HasSecret && !hasSig:
		return &errUnauthorized
	case !rule.HasSecret && hasSig:
		return &errUnauthorized
	case rule.HasSecret && hasSig:
		if !verifySignature(rule.Secret, rawBody, sigHex) {
			return &errUnauthorized
		}
	}

	if eventType == "ping" {
		return nil
	}

	job := &QueuedJob{
		RepoID:     "github/" + owner + "/" + repo,
		Owner:      owner,
		Repo:       repo,
		Event:      eventType,
		ReceivedAt: reqTime,
		Payload:    jsonStr,
		Rule:       rule,
		RunID:      uuid.NewString(),
	}
	s.state.enqueue(job)

	return nil
}

// decodeAndParseBody validates that body starts "payload=" and the
// remainder is a percent-encoded JSON document, then extracts
// repository.owner.login and repository.name. Grounded on
// original_source/src/httpserver.rs's parse function.
func decodeAndParseBody(body []byte) (owner, repo, jsonStr string, err error) {
	const prefix = "payload="
	if len(body) < len(prefix) || string(body[:len(prefix)]) != prefix {
		return "", "", "", fmt.Errorf("body does not begin %q", prefix)
	}

	decoded, err := url.QueryUnescape(string(body[len(prefix):]))
	if err != nil {
		return "", "", "", err
	}

	var payload struct {
		Repository struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
	}
	if err := json.Unmarshal([]byte(decoded), &payload); err != nil {
		return "", "", "", err
	}
	if payload.Repository.Owner.Login == "" || payload.Repository.Name == "" {
		return "", "", "", fmt.Errorf("payload missing repository owner/name")
	}

	return payload.Repository.Owner.Login, payload.Repository.Name, decoded, nil
}

// verifySignature checks a hex-encoded HMAC-SHA256 signature of body
// against secret, using hmac.Equal for constant-time comparison.
func verifySignature(secret string, body []byte, sigHex string) bool {
	want, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(want, got)
}

func writeResponse(conn net.Conn, status int, body string) {
	text := http.StatusText(status)
	if text == "" {
		text = "Unknown"
	}
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, text, len(body), body)
}

// readRequestLine reads and validates exactly one HTTP request line of
// the form "METHOD path HTTP/1.1", per spec.md §4.2's strict grammar: no
// tolerance for HTTP/1.0, trailing garbage, or a missing path.
func readRequestLine(br *bufio.Reader) (method, path string, err error) {
	line, err := readCRLFLine(br)
	if err != nil {
		return "", "", err
	}
	fields := strings.Split(line, " ")
	if len(fields) != 3 || fields[0] == "" || fields[1] == "" {
		return "", "", fmt.Errorf("malformed request line %q", line)
	}
	if fields[2] != "HTTP/1.1" {
		return "", "", fmt.Errorf("unsupported protocol %q", fields[2])
	}
	return fields[0], fields[1], nil
}

// readHeaders reads header lines up to the blank line terminating them,
// joining obsolete folded continuation lines (a line starting with SP or
// HTAB) onto the previous header's value, as RFC 7230 §3.2.4 requires a
// strict parser to at least recognise even when it otherwise rejects
// folding for anything it originates itself.
func readHeaders(br *bufio.Reader) (http.Header, error) {
	headers := make(http.Header)
	var lastKey string

	for {
		line, err := readCRLFLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}

		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			existing := headers.Get(lastKey)
			headers.Set(lastKey, existing+" "+strings.TrimSpace(line))
			continue
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		key := textproto.TrimString(line[:idx])
		val := textproto.TrimString(line[idx+1:])
		if key == "" {
			return nil, fmt.Errorf("empty header name")
		}
		headers.Add(key, val)
		lastKey = key
	}
}

// readCRLFLine reads one line terminated by "\r\n" and returns it without
// the terminator. A bare "\n" is rejected: spec.md requires the full CRLF
// sequence, not the lenient LF-only handling net/http's own reader uses.
func readCRLFLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", fmt.Errorf("line not terminated by CRLF: %q", line)
	}
	return line[:len(line)-2], nil
}
