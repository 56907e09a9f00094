package domain

import (
	"fmt"
)

// Payload caps applied to event details and display info. These bound the
// memory an adversarial or buggy producer can pin per event.
const (
	MaxDetailsDepth    = 3
	MaxDetailsKeys     = 50
	MaxDetailsElements = 100
	MaxKeyLength       = 100
	MaxStringLength    = 10000
	MaxDisplayField    = 500
)

// ValidateEvent is the single admission gate in front of the store. It is
// pure: no side effects, no mutation of the candidate event.
func ValidateEvent(e *Event) error {
	if e == nil {
		return ErrValidation("event is required")
	}
	if e.Timestamp.IsZero() {
		return ErrValidation("timestamp is required")
	}
	if e.SessionID == "" {
		return ErrValidation("session_id is required")
	}
	if e.Type == "" {
		return ErrValidation("event_type is required")
	}
	if !e.Type.Valid() {
		return ErrValidation(fmt.Sprintf("unknown event_type %q", e.Type))
	}
	if e.Status == "" {
		return ErrValidation("status is required")
	}
	if !e.Status.Valid() {
		return ErrValidation(fmt.Sprintf("unknown status %q", e.Status))
	}
	if e.DurationMs != nil && *e.DurationMs < 0 {
		return ErrValidation("duration_ms must be non-negative")
	}
	if e.Details != nil {
		if err := validateDetails(e.Details, 1); err != nil {
			return err
		}
	}
	if e.Display != nil {
		if err := validateDisplay(e.Display); err != nil {
			return err
		}
	}
	return nil
}

// validateDetails walks the payload enforcing the depth, key count, list
// length, and string length caps at every level.
func validateDetails(m map[string]any, depth int) error {
	if depth > MaxDetailsDepth {
		return ErrValidation(fmt.Sprintf("details exceed max depth %d", MaxDetailsDepth))
	}
	if len(m) > MaxDetailsKeys {
		return ErrValidation(fmt.Sprintf("details exceed %d keys at depth %d", MaxDetailsKeys, depth))
	}
	for k, v := range m {
		if len(k) > MaxKeyLength {
			return ErrValidation(fmt.Sprintf("details key exceeds %d characters", MaxKeyLength))
		}
		if err := validateValue(v, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(v any, depth int) error {
	switch val := v.(type) {
	case map[string]any:
		return validateDetails(val, depth+1)
	case []any:
		if depth > MaxDetailsDepth {
			return ErrValidation(fmt.Sprintf("details exceed max depth %d", MaxDetailsDepth))
		}
		if len(val) > MaxDetailsElements {
			return ErrValidation(fmt.Sprintf("details list exceeds %d elements", MaxDetailsElements))
		}
		// List nesting counts against the same depth budget as maps.
		for _, item := range val {
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case string:
		if len(val) > MaxStringLength {
			return ErrValidation(fmt.Sprintf("details string exceeds %d characters", MaxStringLength))
		}
		return nil
	default:
		return nil
	}
}

func validateDisplay(d *DisplayInfo) error {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"name", d.Name},
		{"description", d.Description},
		{"icon_key", d.IconKey},
		{"color_key", d.ColorKey},
	} {
		if len(f.value) > MaxDisplayField {
			return ErrValidation(fmt.Sprintf("display_info.%s exceeds %d characters", f.name, MaxDisplayField))
		}
	}
	return nil
}
