package core

import "fmt"

// Environment is the deployment mode exposed to handlers as ENVIRONMENT.
// Only the three declared values are accepted.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Environments lists every accepted mode.
var Environments = []Environment{EnvDevelopment, EnvStaging, EnvProduction}

// ParseEnvironment converts s to an Environment. Matching is exact.
func ParseEnvironment(s string) (Environment, error) {
	e := Environment(s)
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q (want development, staging or production)", ErrInvalidEnvironment, s)
	}
	return e, nil
}

// Valid reports whether e is one of the declared modes.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

func (e Environment) String() string { return string(e) }

// MarshalText implements encoding.TextMarshaler.
func (e Environment) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEnvironment, string(e))
	}
	return []byte(e), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so config decoders
// reject unknown modes.
func (e *Environment) UnmarshalText(text []byte) error {
	parsed, err := ParseEnvironment(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// IsDevelopment reports whether e is the development mode.
func (e Environment) IsDevelopment() bool { return e == EnvDevelopment }
