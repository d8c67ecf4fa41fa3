package validate

import (
	"fmt"
	"net/mail"
)

// Text field length limits shared by the API and the web client.
const (
	MaxNameLength        = 100
	MaxEmailLength       = 254
	MinPasswordLength    = 8
	MaxPasswordLength    = 72
	MaxContainerIDLength = 64
)

func checkLen(value string, max int, field string) string {
	if len(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

func Name(s string) string { return checkLen(s, MaxNameLength, "name") }

func Email(s string) string {
	if msg := checkLen(s, MaxEmailLength, "email"); msg != "" {
		return msg
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return "invalid email address"
	}
	return ""
}

func Password(s string) string {
	if len(s) < MinPasswordLength {
		return fmt.Sprintf("password must be at least %d characters", MinPasswordLength)
	}
	return checkLen(s, MaxPasswordLength, "password")
}

// ContainerID accepts the DOM-id style identifiers the web client uses for
// player containers.
func ContainerID(s string) string {
	if msg := checkLen(s, MaxContainerIDLength, "container id"); msg != "" {
		return msg
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "container id may only contain letters, digits, '-' and '_'"
		}
	}
	return ""
}

// FieldLimits returns a map of field names to max lengths for the /api/limits endpoint.
func FieldLimits() map[string]int {
	return map[string]int{
		"name":        MaxNameLength,
		"email":       MaxEmailLength,
		"password":    MaxPasswordLength,
		"containerId": MaxContainerIDLength,
	}
}
