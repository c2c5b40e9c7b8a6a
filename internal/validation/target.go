// Package validation checks operator input before it reaches the job API.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/airstrike/airstrike/internal/models"
)

// ErrInvalidTarget is wrapped by every target validation failure.
var ErrInvalidTarget = errors.New("invalid target")

var validate = validator.New()

// ValidateTarget checks that target is usable for kind. Kinds that need a real
// target require a BSSID, or an IP and MAC for device targets. Placeholder
// targets are only accepted for kinds that need none.
func ValidateTarget(kind models.Kind, target models.Target) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown job kind %q", kind)
	}

	if target.Placeholder {
		if kind.RequiresTarget() {
			return fmt.Errorf("%w: %s needs a real target", ErrInvalidTarget, kind)
		}
		return nil
	}

	if kind.RequiresTarget() {
		if target.BSSID == "" && (target.IP == "" || target.MAC == "") {
			return fmt.Errorf("%w: %s needs a BSSID, or an IP and MAC", ErrInvalidTarget, kind)
		}
	}
	if target.IP != "" && target.MAC == "" && target.BSSID == "" {
		return fmt.Errorf("%w: a device target needs a MAC address", ErrInvalidTarget)
	}

	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTarget, describe(err))
	}
	return nil
}

// describe turns validator errors into one readable line.
func describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "mac":
			parts = append(parts, fmt.Sprintf("%s %q is not a MAC address", field, fe.Value()))
		case "ip":
			parts = append(parts, fmt.Sprintf("%s %q is not an IP address", field, fe.Value()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s is longer than %s characters", field, fe.Param()))
		case "gte", "lte":
			parts = append(parts, fmt.Sprintf("%s %v is out of range", field, fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// ValidateSessionName checks a session name before it is used as a file name
// under the session directory.
func ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("session name contains null byte")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("session name cannot contain path separators: %s", name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("session name cannot be %q", name)
	}
	return nil
}
