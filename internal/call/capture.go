package call

const (
	defaultVideoBitRate = 1_500_000
	defaultMaxWidth     = 640
	defaultMaxHeight    = 480
)

// DeviceCapturer captures the local camera and microphone.
type DeviceCapturer struct {
	// ReceiveOnlyFallback continues the call without local media when no
	// device can be opened.
	ReceiveOnlyFallback bool
	VideoBitRate        int
	MaxWidth, MaxHeight int
}

func (d DeviceCapturer) videoBitRate() int {
	if d.VideoBitRate > 0 {
		return d.VideoBitRate
	}
	return defaultVideoBitRate
}

func (d DeviceCapturer) maxSize() (int, int) {
	w, h := d.MaxWidth, d.MaxHeight
	if w <= 0 {
		w = defaultMaxWidth
	}
	if h <= 0 {
		h = defaultMaxHeight
	}
	return w, h
}
