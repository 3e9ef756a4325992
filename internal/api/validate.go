// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	errBadName  = errors.New("name must be 1-50 characters")
	errBadEmail = errors.New("email address is not valid")
)

var (
	// Characters with HTML significance are stripped, not rejected, so a
	// pasted "Bob <the claw>" still joins as "Bob the claw".
	nameStripRe = regexp.MustCompile(`[<>"'&\x00-\x1f]`)
	emailRe     = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// sanitizeJoinInput normalizes and validates the admission payload.
func sanitizeJoinInput(name, email string) (string, string, error) {
	name = strings.TrimSpace(nameStripRe.ReplaceAllString(name, ""))
	if n := utf8.RuneCountInString(name); n < 1 || n > 50 {
		return "", "", errBadName
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if len(email) > 254 || !emailRe.MatchString(email) {
		return "", "", errBadEmail
	}
	return name, email, nil
}
