package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultClientID replaces a client id that sanitises to nothing.
const DefaultClientID = "meshgw"

// MaxClientIDLength is the client id length every MQTT 3.1.1 broker must accept.
const MaxClientIDLength = 23

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n < 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// SanitizeClientID strips non-printable characters and limits the id to the
// 23 characters every MQTT 3.1.1 broker must accept.
func SanitizeClientID(clientID string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, clientID)

	sanitized = Truncate(sanitized, MaxClientIDLength)
	if sanitized == "" {
		sanitized = DefaultClientID
	}
	return sanitized
}

// SanitizeUsername removes control characters, quotes and backslashes.
func SanitizeUsername(username string) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '"' || r == '\'' || r == '\\' {
			return -1
		}
		return r
	}, username)

	return Truncate(strings.TrimSpace(sanitized), 128)
}

// SanitizePassword only removes NUL and control characters other than tab, CR and LF.
func SanitizePassword(password string) string {
	return strings.Map(func(r rune) rune {
		if r == '\x00' || (unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r') {
			return -1
		}
		return r
	}, password)
}

// SanitizeConfigString removes control characters, trims and truncates to maxLength (0 = unlimited).
func SanitizeConfigString(input string, maxLength int) string {
	sanitized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != ' ' && r != '\t' {
			return -1
		}
		return r
	}, input)

	sanitized = strings.TrimSpace(sanitized)
	if maxLength > 0 {
		sanitized = Truncate(sanitized, maxLength)
	}
	return sanitized
}
