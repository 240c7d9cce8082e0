package keys

import "errors"

// ErrUnsupportedKeyType is returned when an operation is not available for a key type.
var ErrUnsupportedKeyType = errors.New("unsupported key type")
