package config

import "encoding/json"

// redactedPlaceholder replaces secret values in logs and serialized output.
const redactedPlaceholder = "[REDACTED]"

// SensitiveString holds a secret value that must never leak through logs,
// error messages, or serialized configuration. String and MarshalJSON redact;
// the underlying value is only reachable through Value().
type SensitiveString string

// String implements fmt.Stringer and redacts non-empty values.
func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return redactedPlaceholder
}

// Value returns the actual secret value.
func (s SensitiveString) Value() string {
	return string(s)
}

// MarshalJSON marshals the value redacted. Empty values stay empty so that
// round-tripping an unset secret does not fabricate one.
func (s SensitiveString) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal(redactedPlaceholder)
}

// UnmarshalJSON accepts a plain JSON string as the secret value.
func (s *SensitiveString) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*s = SensitiveString(value)
	return nil
}
