// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"git.sr.ht/~shulhan/pakakeh.go/lib/test"
)

func TestValidGitHubEvent(t *testing.T) {
	test.Assert(t, "empty rejected", false, validGitHubEvent(""))
	test.Assert(t, "simple accepted", true, validGitHubEvent("push"))
	test.Assert(t, "underscore accepted", true, validGitHubEvent("check_run"))
	test.Assert(t, "hyphen rejected", false, validGitHubEvent("check-run"))
	test.Assert(t, "digits rejected", false, validGitHubEvent("check_run2"))
}

func TestValidGitHubOwnerName(t *testing.T) {
	test.Assert(t, "empty rejected", false, validGitHubOwnerName(""))
	test.Assert(t, "single letter accepted", true, validGitHubOwnerName("a"))
	test.Assert(t, "leading hyphen rejected", false, validGitHubOwnerName("-a"))
	test.Assert(t, "trailing hyphen rejected", false, validGitHubOwnerName("a-"))
	test.Assert(t, "double hyphen rejected", false, validGitHubOwnerName("a--b"))
	test.Assert(t, "39 chars accepted", true, validGitHubOwnerName(strings.Repeat("a", 39)))
	test.Assert(t, "40 chars rejected", false, validGitHubOwnerName(strings.Repeat("a", 40)))
}

func TestValidGitHubRepoName(t *testing.T) {
	test.Assert(t, "empty rejected", false, validGitHubRepoName(""))
	test.Assert(t, "dot rejected", false, validGitHubRepoName("."))
	test.Assert(t, "dotdot rejected", false, validGitHubRepoName(".."))
	test.Assert(t, "dotdotdot accepted", true, validGitHubRepoName("..."))
	test.Assert(t, "underscore accepted", true, validGitHubRepoName("a_b"))
	test.Assert(t, "101 chars rejected", false, validGitHubRepoName(strings.Repeat("a", 101)))
}

func TestDecodeAndParseBody(t *testing.T) {
	body := []byte(`payload=%7B%22repository%22%3A%7B%22name%22%3A%22widgets%22%2C%22owner%22%3A%7B%22login%22%3A%22acme%22%7D%7D%7D`)

	owner, repo, jsonStr, err := decodeAndParseBody(body)
	test.Assert(t, "decode error", error(nil), err)
	test.Assert(t, "owner extracted", "acme", owner)
	test.Assert(t, "repo extracted", "widgets", repo)
	test.Assert(t, "json decoded", `{"repository":{"name":"widgets","owner":{"login":"acme"}}}`, jsonStr)
}

func TestDecodeAndParseBody_missingPrefix(t *testing.T) {
	_, _, _, err := decodeAndParseBody([]byte(`{"repository":{}}`))
	if err == nil {
		t.Fatal("expected an error for a body not beginning 'payload='")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	test.Assert(t, "matching signature verifies", true, verifySignature("secret", body, sig))
	test.Assert(t, "wrong secret fails", false, verifySignature("other", body, sig))
	test.Assert(t, "malformed hex fails", false, verifySignature("secret", body, "zz"))
}

func TestReadRequestLine(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("POST /webhook HTTP/1.1\r\n"))
	method, path, err := readRequestLine(br)
	test.Assert(t, "read error", error(nil), err)
	test.Assert(t, "method", "POST", method)
	test.Assert(t, "path", "/webhook", path)
}

func TestReadRequestLine_rejectsHTTP10(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("POST /webhook HTTP/1.0\r\n"))
	_, _, err := readRequestLine(br)
	if err == nil {
		t.Fatal("expected an error for HTTP/1.0")
	}
}

func TestReadHeaders_obsoleteFolding(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("X-GitHub-Event: push\r\n continued\r\n\r\n"))
	headers, err := readHeaders(br)
	test.Assert(t, "read error", error(nil), err)
	test.Assert(t, "folded value joined", "push continued", headers.Get("X-GitHub-Event"))
}
