package secret

import "errors"

var (
	// ErrMissingEnv is returned when ${VAR} names an unset variable.
	ErrMissingEnv = errors.New("secret: missing required environment variables")

	// ErrUnknownProvider is returned for a reference to an unregistered provider.
	ErrUnknownProvider = errors.New("secret: provider is not registered")

	// ErrEmptySecret is returned in strict mode when a provider resolves to "".
	ErrEmptySecret = errors.New("secret: provider returned empty value")

	// ErrNotFound is returned by a provider that has no value for a ref.
	ErrNotFound = errors.New("secret: not found")
)
