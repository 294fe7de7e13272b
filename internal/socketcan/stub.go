//go:build !linux

package socketcan

import "errors"

// ErrUnsupported is returned on platforms without AF_CAN; the serial and
// cannelloni backends remain available there.
var ErrUnsupported = errors.New("socketcan unsupported on this platform")
