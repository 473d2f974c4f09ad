//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// vp8SelfView reads encoded frames of the local camera for the self-view.
type vp8SelfView struct{ r mediadevices.EncodedReadCloser }

func (s *vp8SelfView) ReadFrame() ([]byte, func(), error) {
	buf, release, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, release, nil
}

func (s *vp8SelfView) Close() error { return s.r.Close() }

// Capture opens camera and microphone through V4L2 and malgo. It tries
// video+audio, then video alone, then audio alone, so one missing device
// does not block the other.
func (d DeviceCapturer) Capture(_ context.Context, callID string) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("%w: vp8 encoder: %v", ErrDeviceUnavailable, err)
	}
	vpxParams.BitRate = d.videoBitRate()

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("%w: opus encoder: %v", ErrDeviceUnavailable, err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("CALL [%s]: no media devices found", callID)
	}
	for _, dev := range devices {
		log.Debugf("CALL [%s]: media device kind=%v label=%q", callID, dev.Kind, dev.Label)
	}

	maxW, maxH := d.maxSize()
	var lastErr error
	for _, a := range []struct {
		video, audio bool
		label        string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some cameras expose an MJPEG node whose
				// frames break the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: maxW}
				c.Height = prop.IntRanged{Max: maxH}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("CALL [%s]: capture %s failed: %v", callID, a.label, err)
			lastErr = err
			continue
		}

		mtracks := stream.GetTracks()
		c := &Capture{}
		broken := false
		for _, t := range mtracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("CALL [%s]: local track ended: %v", callID, err)
				}
			})
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
				if err != nil {
					log.Warnf("CALL [%s]: video track broken (%s): %v", callID, a.label, err)
					lastErr = err
					broken = true
					break
				}
				c.SelfView = &vp8SelfView{r: r}
			}
			c.Tracks = append(c.Tracks, t)
		}
		if broken {
			if c.SelfView != nil {
				c.SelfView.Close()
			}
			for _, t := range mtracks {
				t.Close()
			}
			continue
		}

		c.Stop = func() {
			for _, t := range mtracks {
				t.Close()
			}
		}
		log.Infof("CALL [%s]: captured %s (%d tracks)", callID, a.label, len(c.Tracks))
		return c, nil
	}

	if d.ReceiveOnlyFallback {
		log.Warnf("CALL [%s]: every capture attempt failed, continuing receive-only", callID)
		return &Capture{}, nil
	}
	if lastErr != nil && errors.Is(lastErr, os.ErrPermission) {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, lastErr)
}
