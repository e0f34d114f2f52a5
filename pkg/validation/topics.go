package validation

import (
	"fmt"
	"strings"
	"unicode"
)

const maxTopicLevelLength = 128

// ValidateTopicLevel checks a single MQTT topic level used as a scoping id
// (network, sink or gateway). Wildcards and separators are rejected so the id
// can only ever match itself.
func ValidateTopicLevel(level string) error {
	if level == "" {
		return fmt.Errorf("topic level cannot be empty")
	}
	if len(level) > maxTopicLevelLength {
		return fmt.Errorf("topic level too long (max %d characters)", maxTopicLevelLength)
	}
	if strings.ContainsAny(level, "/+#") {
		return fmt.Errorf("topic level %q must not contain '/', '+' or '#'", level)
	}
	for _, r := range level {
		if unicode.IsControl(r) {
			return fmt.Errorf("topic level contains control characters")
		}
	}
	return nil
}

// ValidateTopicRoot checks a concrete multi-level topic prefix such as "gw-event/received_data".
func ValidateTopicRoot(root string) error {
	if root == "" {
		return fmt.Errorf("topic root cannot be empty")
	}
	if strings.HasPrefix(root, "/") || strings.HasSuffix(root, "/") {
		return fmt.Errorf("topic root %q must not start or end with '/'", root)
	}
	for _, level := range strings.Split(root, "/") {
		if err := ValidateTopicLevel(level); err != nil {
			return fmt.Errorf("topic root %q: %w", root, err)
		}
	}
	return nil
}
