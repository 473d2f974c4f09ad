//go:build !linux

package call

import (
	"context"
	"fmt"
)

// Capture has no device drivers outside Linux. With ReceiveOnlyFallback the
// call proceeds without local media.
func (d DeviceCapturer) Capture(_ context.Context, callID string) (*Capture, error) {
	if d.ReceiveOnlyFallback {
		log.Infof("CALL [%s]: no capture drivers on this platform, receive-only", callID)
		return &Capture{}, nil
	}
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrDeviceUnavailable)
}
