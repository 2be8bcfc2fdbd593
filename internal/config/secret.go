package config

import "strings"

const redacted = "[REDACTED]"

// Secret holds an API credential. Every printing and marshaling path
// redacts it; Reveal is the only way to the raw value.
type Secret string

// UnmarshalYAML trims the whitespace that env expansion and copy-paste
// leave around keys
func (s *Secret) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*s = Secret(strings.TrimSpace(raw))
	return nil
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	return `"` + s.String() + `"`
}

func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// IsSet reports whether a value was configured
func (s Secret) IsSet() bool { return s != "" }

// Fingerprint shows the last four characters so operators can tell which
// key is loaded
func (s Secret) Fingerprint() string {
	if len(s) <= 8 {
		return s.String()
	}
	return "..." + string(s[len(s)-4:])
}

// Reveal returns the raw value
func (s Secret) Reveal() string {
	return string(s)
}
