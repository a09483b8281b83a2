package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential (database URL, Postmark token, signing
// secret). String and MarshalJSON return a placeholder so the value never
// reaches logs or config dumps.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value. Call it only where a client or driver needs it.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether a value was configured.
func (s SecretString) IsSet() bool {
	return s != ""
}
