package integrity

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
	ErrMalformedHash        = errors.New("malformed packed hash")
	ErrKeyMissing           = errors.New("hmac key not configured")
	ErrKeyTooShort          = fmt.Errorf("%w: key shorter than required minimum", ErrKeyMissing)
)
