package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// SelfViewSource provides encoded VP8 frames of the local camera for the
// self-view. ReadFrame blocks until the next frame is ready.
type SelfViewSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// Capture is the local media of one call.
type Capture struct {
	Tracks []webrtc.TrackLocal
	// SelfView is nil when no video was captured.
	SelfView SelfViewSource
	// Stop releases the devices; it may be nil.
	Stop func()
}

// Capturer opens the local camera and microphone. Failures wrap
// ErrMediaAccessDenied or ErrDeviceUnavailable. A capture with no tracks is
// receive-only.
type Capturer interface {
	Capture(ctx context.Context, callID string) (*Capture, error)
}

// LocalSink displays the local capture.
type LocalSink interface {
	AddSelfView(src SelfViewSource)
}

// RemoteSink displays remote media. Each remote track is handed to one sink,
// which becomes its only reader.
type RemoteSink interface {
	AddRemoteTrack(t RemoteTrack)
}

type sendSlot struct {
	track   webrtc.TrackLocal
	sender  TrackSender
	enabled bool
}

// Media is the local and remote media of one call. Remote tracks and sinks
// may arrive in either order; a track is handed over once both exist.
type Media struct {
	callID   string
	capturer Capturer

	mu         sync.Mutex
	capture    *Capture
	slots      map[webrtc.RTPCodecType]*sendSlot
	remote     []RemoteTrack
	remoteSeen bool
	remoteSink RemoteSink
	localSink  LocalSink
	released   bool
}

// NewMedia returns an empty pipeline for callID.
func NewMedia(callID string, capturer Capturer) *Media {
	return &Media{
		callID:   callID,
		capturer: capturer,
		slots:    make(map[webrtc.RTPCodecType]*sendSlot),
	}
}

// Acquire opens the local devices.
func (m *Media) Acquire(ctx context.Context) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.capture != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	c, err := m.capturer.Capture(ctx, m.callID)
	if err != nil {
		if !errors.Is(err, ErrMediaAccessDenied) && !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		stopCapture(c)
		return ErrSessionClosed
	}
	m.capture = c
	if m.localSink != nil && c.SelfView != nil {
		m.localSink.AddSelfView(c.SelfView)
	}
	log.Infof("CALL [%s]: local media acquired (%d tracks)", m.callID, len(c.Tracks))
	return nil
}

// AttachTo adds the captured tracks to n, or recvonly transceivers when
// nothing was captured.
func (m *Media) AttachTo(n Negotiator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture == nil || len(m.capture.Tracks) == 0 {
		return n.AddReceiveOnly()
	}
	for _, t := range m.capture.Tracks {
		sender, err := n.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		m.slots[t.Kind()] = &sendSlot{track: t, sender: sender, enabled: true}
	}
	return nil
}

// AttachLocal binds the self-view sink.
func (m *Media) AttachLocal(s LocalSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localSink = s
	if m.capture != nil && m.capture.SelfView != nil && !m.released {
		s.AddSelfView(m.capture.SelfView)
	}
}

// AttachRemote binds the remote sink and hands it the tracks that arrived
// before it.
func (m *Media) AttachRemote(s RemoteSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteSink != nil || m.released {
		return
	}
	m.remoteSink = s
	for _, t := range m.remote {
		s.AddRemoteTrack(t)
	}
	m.remote = nil
}

// addRemote is called when the negotiator reports an incoming track.
func (m *Media) addRemote(t RemoteTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.remoteSeen = true
	if m.remoteSink != nil {
		m.remoteSink.AddRemoteTrack(t)
		return
	}
	m.remote = append(m.remote, t)
}

// ToggleAudio flips sending of the microphone and returns true when muted.
func (m *Media) ToggleAudio() (bool, error) {
	on, err := m.toggle(webrtc.RTPCodecTypeAudio)
	return !on, err
}

// ToggleVideo flips sending of the camera and returns true when disabled.
func (m *Media) ToggleVideo() (bool, error) {
	on, err := m.toggle(webrtc.RTPCodecTypeVideo)
	return !on, err
}

func (m *Media) toggle(kind webrtc.RTPCodecType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return false, ErrSessionClosed
	}
	slot, ok := m.slots[kind]
	if !ok {
		return false, fmt.Errorf("%w: no local %s", ErrDeviceUnavailable, kind)
	}
	var next webrtc.TrackLocal
	if !slot.enabled {
		next = slot.track
	}
	if err := slot.sender.ReplaceTrack(next); err != nil {
		return slot.enabled, err
	}
	slot.enabled = !slot.enabled
	log.Infof("CALL [%s]: %s enabled=%v", m.callID, kind, slot.enabled)
	return slot.enabled, nil
}

// Muted reports the local audio and video sending state.
func (m *Media) Muted() (audioMuted, videoOff bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[webrtc.RTPCodecTypeAudio]; ok {
		audioMuted = !s.enabled
	}
	if s, ok := m.slots[webrtc.RTPCodecTypeVideo]; ok {
		videoOff = !s.enabled
	}
	return
}

// HasRemote reports whether any remote track arrived.
func (m *Media) HasRemote() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteSeen
}

// Release stops every local track. It is idempotent.
func (m *Media) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	c := m.capture
	m.capture = nil
	m.remote = nil
	m.mu.Unlock()

	if c != nil {
		stopCapture(c)
		log.Infof("CALL [%s]: local media released", m.callID)
	}
}

// Released reports whether Release ran.
func (m *Media) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func stopCapture(c *Capture) {
	if c.SelfView != nil {
		c.SelfView.Close()
	}
	if c.Stop != nil {
		c.Stop()
	}
}
