package model

// SecretString is a string that must never leak into logs or serialized
// output. Use string(s) to access the raw value.
type SecretString string

func (s SecretString) String() string {
	return "[obfuscated]"
}

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"[obfuscated]"`), nil
}

func (s SecretString) MarshalYAML() (interface{}, error) {
	return "[obfuscated]", nil
}
