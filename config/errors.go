package config

import "errors"

var (
	// ErrInvalidListen is returned for an empty listen address.
	ErrInvalidListen = errors.New("config: listen address is required")

	// ErrInvalidFanout is returned for negative fan-out settings.
	ErrInvalidFanout = errors.New("config: invalid fanout settings")

	// ErrInvalidCircuit is returned for negative breaker settings.
	ErrInvalidCircuit = errors.New("config: invalid circuit settings")

	// ErrUnknownErrorKind is returned for a retry section keyed by an
	// unknown error kind.
	ErrUnknownErrorKind = errors.New("config: unknown error kind")

	// ErrInvalidRetry is returned for negative retry settings.
	ErrInvalidRetry = errors.New("config: invalid retry policy")

	// ErrUnknownProviderType is returned for an unsupported provider type.
	ErrUnknownProviderType = errors.New("config: unknown provider type")

	// ErrNoModels is returned for a provider without models.
	ErrNoModels = errors.New("config: provider has no models")
)
