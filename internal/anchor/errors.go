package anchor

import "errors"

var (
	// ErrDuplicateSuppressed signals an enqueue absorbed by the dedup window.
	// Enqueue reports it as Suppressed rather than returning it.
	ErrDuplicateSuppressed = errors.New("duplicate enqueue suppressed")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobNotFailed        = errors.New("job is not failed")
	ErrNoProviders         = errors.New("no providers enabled")
)
