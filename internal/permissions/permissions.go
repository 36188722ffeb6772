// Package permissions checks platform privacy settings that gate audio
// capture.
package permissions

import (
	"errors"
	"fmt"
)

// ErrMicrophoneDenied is returned when capture is not authorized.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")

// Status mirrors AVAuthorizationStatus.
type Status int

const (
	NotDetermined Status = 0
	Restricted    Status = 1
	Denied        Status = 2
	Authorized    Status = 3
)

func (s Status) String() string {
	switch s {
	case NotDetermined:
		return "not determined"
	case Restricted:
		return "restricted"
	case Denied:
		return "denied"
	case Authorized:
		return "authorized"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Err is nil only for Authorized.
func (s Status) Err() error {
	if s == Authorized {
		return nil
	}
	return fmt.Errorf("%w (%s): allow it in System Settings > Privacy & Security > Microphone", ErrMicrophoneDenied, s)
}
