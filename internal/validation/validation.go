// Package validation holds input rules shared by the gateway and the REST
// handlers.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	MaxTitleLength        = 120
	MaxSearchQueryLength  = 200
	MaxReportReasonLength = 500
	DefaultReportReason   = "No reason provided"
)

// IsIdentifier reports whether s is a well-formed conversation, message or
// user id.
func IsIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

// ValidateIdentifier checks one id and names the field on failure.
func ValidateIdentifier(field, s string) error {
	if !IsIdentifier(s) {
		return fmt.Errorf("%s must be 1-64 characters of letters, digits, '_' or '-'", field)
	}
	return nil
}

// ValidateTitle trims a group title and checks its length.
func ValidateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	n := utf8.RuneCountInString(title)
	if n == 0 {
		return "", fmt.Errorf("title is required")
	}
	if n > MaxTitleLength {
		return "", fmt.Errorf("title must be at most %d characters", MaxTitleLength)
	}
	return title, nil
}

// ValidateSearchQuery trims a search query and checks its length.
func ValidateSearchQuery(q string) (string, error) {
	q = strings.TrimSpace(q)
	n := utf8.RuneCountInString(q)
	if n == 0 || n > MaxSearchQueryLength {
		return "", fmt.Errorf("q must be 1-%d characters", MaxSearchQueryLength)
	}
	return q, nil
}

// NormalizeReportReason trims and truncates a report reason, substituting a
// default when it is empty.
func NormalizeReportReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return DefaultReportReason
	}
	if utf8.RuneCountInString(reason) > MaxReportReasonLength {
		reason = string([]rune(reason)[:MaxReportReasonLength])
	}
	return reason
}
