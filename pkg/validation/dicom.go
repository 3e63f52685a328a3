// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for
// security-critical operations.
//
// This package contains validators for operator-provided inputs that end
// up in database queries, file paths, or on the DICOM wire. Using these
// validators prevents injection attacks (SQL injection, path traversal)
// and protocol violations (oversized AE titles, malformed UIDs).
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// aeTitlePattern matches valid DICOM Application Entity titles.
// PS3.8 limits AE titles to 16 characters from the default character
// repertoire, excluding backslash and control characters. We restrict to
// the conservative subset used by every vendor in practice.
var aeTitlePattern = regexp.MustCompile(`^[A-Za-z0-9 _\-.]{1,16}$`)

// uidPattern matches valid DICOM UIDs: dot-separated numeric components,
// no leading zeros on multi-digit components, max 64 chars (PS3.5 §9.1).
var uidPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// ValidateAETitle validates a DICOM Application Entity title.
//
// Valid AE titles:
//   - 1-16 characters
//   - letters, digits, space, underscore, hyphen, dot
//
// Returns an error if the title is invalid.
//
// Example:
//
//	if err := validation.ValidateAETitle(dev.AETitle); err != nil {
//	    return fmt.Errorf("invalid device: %w", err)
//	}
func ValidateAETitle(aet string) error {
	if aet == "" {
		return fmt.Errorf("AE title cannot be empty")
	}
	if !aeTitlePattern.MatchString(aet) {
		return fmt.Errorf("invalid AE title: %q (must be 1-16 chars of letters, digits, space, '_', '-', '.')", aet)
	}
	return nil
}

// SanitizeAETitle trims surrounding whitespace (the wire format pads AE
// titles to 16 bytes with spaces) and validates the result.
func SanitizeAETitle(aet string) (string, error) {
	trimmed := strings.TrimSpace(aet)
	if err := ValidateAETitle(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

// ValidateUID validates a DICOM unique identifier. UIDs name studies,
// series and instances and are used verbatim as directory names under the
// incoming storage root, so a malformed UID is also a path-traversal risk.
func ValidateUID(uid string) error {
	if uid == "" {
		return fmt.Errorf("UID cannot be empty")
	}
	if len(uid) > 64 {
		return fmt.Errorf("UID exceeds 64 characters: %q", uid)
	}
	if !uidPattern.MatchString(uid) {
		return fmt.Errorf("invalid UID format: %q", uid)
	}
	return nil
}

// ValidateIPv4 validates a dotted-quad IPv4 literal as stored in the
// Device table.
func ValidateIPv4(addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid IPv4 address: %q", addr)
	}
	return nil
}
