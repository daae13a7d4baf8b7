// SPDX-FileCopyrightText: 2024 The snare authors
// SPDX-License-Identifier: GPL-3.0-or-later

package snare

import (
	"net/http"

	liberrors "git.sr.ht/~shulhan/pakakeh.go/lib/errors"
)

// errBadRequest is returned for a delivery whose request line, headers, or
// body violate the grammar in spec.md §4.2.
var errBadRequest = liberrors.E{
	Code:    http.StatusBadRequest,
	Name:    `ERR_BAD_REQUEST`,
	Message: `malformed webhook delivery`,
}

// errUnauthorized is returned when a repository has a secret configured and
// the delivery's signature is missing or does not verify, or vice versa.
var errUnauthorized = liberrors.E{
	Code:    http.StatusUnauthorized,
	Name:    `ERR_UNAUTHORIZED`,
	Message: `missing or invalid X-Hub-Signature-256`,
}

// errPayloadTooLarge is returned when content-length exceeds the 64KiB cap
// described in spec.md §4.2. Its wire status is still 400, matching §4.2's
// "the request is rejected 400" — the distinct Name/Message exist so a log
// line can tell an oversized body apart from any other malformed request.
var errPayloadTooLarge = liberrors.E{
	Code:    http.StatusBadRequest,
	Name:    `ERR_PAYLOAD_TOO_LARGE`,
	Message: `request body exceeds 64KiB limit`,
}

func errInvalidConfig(path string, cause error) error {
	return &liberrors.E{
		Code:    http.StatusInternalServerError,
		Name:    `ERR_INVALID_CONFIG`,
		Message: `invalid configuration ` + path + `: ` + cause.Error(),
	}
}
