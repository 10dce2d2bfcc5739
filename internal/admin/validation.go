package admin

import (
	"fmt"
	"regexp"
)

// Discord snowflakes and game server ids are numeric; guild map entries may
// also use short slugs.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidationError is returned to the caller as JSON with hints on how to fix
// the request
type ValidationError struct {
	Field        string   `json:"field"`
	Message      string   `json:"message"`
	Instructions []string `json:"instructions,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// validateID checks a guild or server id
func validateID(id, field string, required bool) error {
	if id == "" {
		if !required {
			return nil
		}
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s is required", field),
			Instructions: []string{
				"Use the ids from the guild map (guilds.yaml)",
			},
		}
	}
	if !idPattern.MatchString(id) {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid %s %q", field, id),
			Instructions: []string{
				"Ids contain only letters, digits, '-' and '_'",
				"Example: '1234567890123456789' or '7020'",
			},
		}
	}
	return nil
}

func unknown(field, id string) error {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("unknown %s %q", field, id),
		Instructions: []string{
			"Check guilds.yaml; the service must be restarted after editing it",
		},
	}
}
