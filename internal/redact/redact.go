// Package redact centralizes masking and sensitive-data detection so that
// destination numbers, credentials, and personal data never reach logs,
// events, or persisted configuration by accident.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder substituted for secret values in redacted views.
const Placeholder = "***"

var (
	ssnPattern = regexp.MustCompile(`\b\d{3}[-. ]?\d{2}[-. ]?\d{4}\b`)
	dobPattern = regexp.MustCompile(`\b(19|20)\d{2}[-/](0[1-9]|1[0-2])[-/](0[1-9]|[12]\d|3[01])\b`)

	// Field names that indicate personal data unrelated to connection
	// configuration. Settings carrying these are rejected outright.
	sensitiveFieldNames = []string{
		"ssn", "social_security", "patient", "dob", "date_of_birth",
		"medical_record", "mrn", "diagnosis",
	}

	// Field names whose values are credentials. These are allowed in
	// settings but must be replaced in any exported view.
	secretFieldNames = []string{
		"secret", "token", "password", "api_key", "apikey", "callback_token",
		"credential", "private_key",
	}
)

// MaskNumber hides all but the last four digits of a destination number.
func MaskNumber(num string) string {
	digits := make([]rune, 0, len(num))
	for _, c := range num {
		if c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}

// IsSensitiveField reports whether a settings field name looks like
// personal data that has no business in provider configuration.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveFieldNames {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsSecretField reports whether a settings field name carries a credential.
func IsSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range secretFieldNames {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// ContainsSensitiveValue reports whether a value matches a known personal
// data pattern (SSN-like or date-of-birth-like).
func ContainsSensitiveValue(v string) bool {
	return ssnPattern.MatchString(v) || dobPattern.MatchString(v)
}

// ScanSettings returns the names of settings fields that look like
// sensitive personal data, either by field name or by value pattern.
func ScanSettings(settings map[string]string) []string {
	var flagged []string
	for name, value := range settings {
		if IsSensitiveField(name) || ContainsSensitiveValue(value) {
			flagged = append(flagged, name)
		}
	}
	return flagged
}

// Settings returns a copy of settings with credential values replaced.
func Settings(settings map[string]string) map[string]string {
	out := make(map[string]string, len(settings))
	for name, value := range settings {
		if IsSecretField(name) {
			out[name] = Placeholder
			continue
		}
		out[name] = value
	}
	return out
}
