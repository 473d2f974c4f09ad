package call

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSelfView struct {
	frames chan []byte
}

func (v *chanSelfView) ReadFrame() ([]byte, func(), error) {
	f, ok := <-v.frames
	if !ok {
		return nil, nil, io.EOF
	}
	return f, func() {}, nil
}

func (v *chanSelfView) Close() error { return nil }

// keyframe returns a minimal VP8 keyframe header of w x h.
func keyframe(w, h uint16) []byte {
	return []byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, byte(w), byte(w >> 8), byte(h), byte(h >> 8), 0xAA}
}

func interframe() []byte { return []byte{0x01, 0x02, 0x03} }

func nextMessage(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webm message")
	}
	return nil
}

func TestEBMLSize(t *testing.T) {
	assert.Equal(t, []byte{0x81}, ebmlSize(1))
	assert.Equal(t, []byte{0x40, 0x7F}, ebmlSize(127))
	assert.Equal(t, []byte{0x01}, uintBytes(1))
	assert.Equal(t, []byte{0x0F, 0x42, 0x40}, uintBytes(1_000_000))
}

func TestVP8Keyframe(t *testing.T) {
	key, w, h := vp8Keyframe(keyframe(320, 240))
	assert.True(t, key)
	assert.Equal(t, uint16(320), w)
	assert.Equal(t, uint16(240), h)

	key, _, _ = vp8Keyframe(interframe())
	assert.False(t, key)
	key, _, _ = vp8Keyframe(nil)
	assert.False(t, key)
}

func TestWebMStreamStartsAtKeyframe(t *testing.T) {
	ws := NewWebMStream("test")
	ch, cancel := ws.Subscribe()
	defer cancel()

	src := &chanSelfView{frames: make(chan []byte)}
	ws.AddSelfView(src)
	defer close(src.frames)

	src.frames <- interframe()
	assert.Never(t, ws.Started, 50*time.Millisecond, 10*time.Millisecond)

	src.frames <- keyframe(320, 240)
	head := nextMessage(t, ch)
	assert.True(t, bytes.HasPrefix(head, idEBML))
	assert.True(t, bytes.Contains(head, []byte("V_VP8")))
	assert.False(t, bytes.Contains(head, []byte("A_OPUS")))

	cluster := nextMessage(t, ch)
	assert.True(t, bytes.HasPrefix(cluster, idCluster))
	assert.True(t, ws.Started())
}

func TestWebMStreamReplaysToLateSubscriber(t *testing.T) {
	ws := NewWebMStream("test")
	ws.writeVideo(0, keyframe(640, 480))
	ws.writeVideo(33, interframe())
	ws.writeVideo(66, interframe())

	ch, cancel := ws.Subscribe()
	defer cancel()
	head := nextMessage(t, ch)
	assert.True(t, bytes.HasPrefix(head, idEBML))
	key := nextMessage(t, ch)
	assert.True(t, bytes.HasPrefix(key, idCluster))
	// the replayed cluster carries the keyframe flag
	assert.True(t, bytes.Contains(key, keyframe(640, 480)))

	ws.writeVideo(100, interframe())
	next := nextMessage(t, ch)
	assert.True(t, bytes.HasPrefix(next, idCluster))
	assert.False(t, bytes.Contains(next, keyframe(640, 480)))
}

func TestWebMStreamAudioTrack(t *testing.T) {
	ws := NewWebMStream("test")
	audio := newFakeTrack(webrtc.RTPCodecTypeAudio)
	ws.AddRemoteTrack(audio)
	close(audio.pkts)
	ws.mu.Lock()
	require.True(t, ws.withAudio)
	ws.mu.Unlock()

	ws.writeAudio(0, []byte{0xFC, 0x01})
	ws.writeVideo(20, keyframe(320, 240))

	ch, cancel := ws.Subscribe()
	defer cancel()
	head := nextMessage(t, ch)
	assert.True(t, bytes.Contains(head, []byte("A_OPUS")))
	cluster := nextMessage(t, ch)
	assert.True(t, bytes.Contains(cluster, []byte{0xFC, 0x01}))
}
