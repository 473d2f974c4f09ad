package call

// Live WebM muxing for dashboards. A WebMStream turns VP8 video and Opus
// audio into a stream of binary messages a browser can append to a
// MediaSource: the first message is the init segment (EBML header, an
// unknown-size Segment, Info and Tracks) and every later one is a Cluster.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

// ─── EBML ────────────────────────────────────────────────────────────────────

// ebmlSize encodes an element size as a variable-length integer of at most
// four bytes.
func ebmlSize(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// unknownSize marks a live Segment whose length is never known.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func element(id []byte, body ...[]byte) []byte {
	n := 0
	for _, b := range body {
		n += len(b)
	}
	out := make([]byte, 0, len(id)+4+n)
	out = append(out, id...)
	out = append(out, ebmlSize(uint64(n))...)
	for _, b := range body {
		out = append(out, b...)
	}
	return out
}

func uintBytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

var (
	idEBML          = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion   = []byte{0x42, 0x86}
	idEBMLReadVer   = []byte{0x42, 0xF7}
	idEBMLMaxIDLen  = []byte{0x42, 0xF2}
	idEBMLMaxSzLen  = []byte{0x42, 0xF3}
	idDocType       = []byte{0x42, 0x82}
	idDocTypeVer    = []byte{0x42, 0x87}
	idDocTypeReadV  = []byte{0x42, 0x85}
	idSegment       = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo          = []byte{0x15, 0x49, 0xA9, 0x66}
	idTimecodeScale = []byte{0x2A, 0xD7, 0xB1}
	idMuxingApp     = []byte{0x4D, 0x80}
	idWritingApp    = []byte{0x57, 0x41}
	idTracks        = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry    = []byte{0xAE}
	idTrackNumber   = []byte{0xD7}
	idTrackUID      = []byte{0x73, 0xC5}
	idTrackType     = []byte{0x83}
	idCodecID       = []byte{0x86}
	idCodecPrivate  = []byte{0x63, 0xA2}
	idVideo         = []byte{0xE0}
	idPixelWidth    = []byte{0xB0}
	idPixelHeight   = []byte{0xBA}
	idAudio         = []byte{0xE1}
	idSamplingFreq  = []byte{0xB5}
	idChannels      = []byte{0x9F}
	idCluster       = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode      = []byte{0xE7}
	idSimpleBlock   = []byte{0xA3}
)

const (
	trackVideo = 1
	trackAudio = 2
)

// opusHead is the codec private data of a mono 48 kHz Opus track.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels
	0x38, 0x01, // pre-skip 312
	0x80, 0xBB, 0x00, 0x00, // 48000 Hz
	0x00, 0x00, // gain
	0x00, // mapping family
}

func initSegment(width, height uint16, withAudio bool) []byte {
	var buf bytes.Buffer
	buf.Write(element(idEBML,
		element(idEBMLVersion, uintBytes(1)),
		element(idEBMLReadVer, uintBytes(1)),
		element(idEBMLMaxIDLen, uintBytes(4)),
		element(idEBMLMaxSzLen, uintBytes(8)),
		element(idDocType, []byte("webm")),
		element(idDocTypeVer, uintBytes(2)),
		element(idDocTypeReadV, uintBytes(2)),
	))
	buf.Write(idSegment)
	buf.Write(unknownSize)
	buf.Write(element(idInfo,
		element(idTimecodeScale, uintBytes(1_000_000)), // ms
		element(idMuxingApp, []byte("counselcall")),
		element(idWritingApp, []byte("counselcall")),
	))

	tracks := element(idTrackEntry,
		element(idTrackNumber, uintBytes(trackVideo)),
		element(idTrackUID, uintBytes(trackVideo)),
		element(idTrackType, uintBytes(1)),
		element(idCodecID, []byte("V_VP8")),
		element(idVideo,
			element(idPixelWidth, uintBytes(uint64(width))),
			element(idPixelHeight, uintBytes(uint64(height))),
		),
	)
	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000))
		tracks = append(tracks, element(idTrackEntry,
			element(idTrackNumber, uintBytes(trackAudio)),
			element(idTrackUID, uintBytes(trackAudio)),
			element(idTrackType, uintBytes(2)),
			element(idCodecID, []byte("A_OPUS")),
			element(idCodecPrivate, opusHead),
			element(idAudio,
				element(idSamplingFreq, freq),
				element(idChannels, uintBytes(1)),
			),
		)...)
	}
	buf.Write(element(idTracks, tracks))
	return buf.Bytes()
}

func simpleBlock(track int, rel int16, key bool, data []byte) []byte {
	hdr := append(ebmlSize(uint64(track)), 0, 0, 0)
	binary.BigEndian.PutUint16(hdr[len(hdr)-3:], uint16(rel))
	if key {
		hdr[len(hdr)-1] = 0x80
	}
	return element(idSimpleBlock, hdr, data)
}

// vp8Keyframe reports whether a VP8 frame is a keyframe and, if its header
// carries them, the frame size.
func vp8Keyframe(frame []byte) (key bool, w, h uint16) {
	if len(frame) == 0 || frame[0]&0x01 != 0 {
		return false, 0, 0
	}
	if len(frame) >= 10 && frame[3] == 0x9D && frame[4] == 0x01 && frame[5] == 0x2A {
		w = binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF
		h = binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF
	}
	return true, w, h
}

// ─── Stream ──────────────────────────────────────────────────────────────────

type queuedAudio struct {
	ms   int64
	data []byte
}

// WebMStream muxes one call's media for any number of subscribers. It is a
// RemoteSink for remote tracks and a LocalSink for the self-view.
//
// Each video frame is flushed as its own cluster; audio frames wait for the
// next video frame and go into its cluster. The last keyframe cluster is
// replayed to late subscribers so their decoder starts from a clean frame.
type WebMStream struct {
	name string

	mu        sync.Mutex
	width     uint16
	height    uint16
	withAudio bool
	init      []byte
	lastKey   []byte

	open       bool
	openKey    bool
	clusterMs  int64
	blocks     bytes.Buffer
	audioQueue []queuedAudio

	videoBase, audioBase int64
	videoSet, audioSet   bool

	subs map[chan []byte]struct{}
}

// NewWebMStream returns an empty stream; name is used in log lines.
func NewWebMStream(name string) *WebMStream {
	return &WebMStream{name: name, subs: make(map[chan []byte]struct{})}
}

// Subscribe returns a channel of WebM messages. A late subscriber first gets
// the init segment and the last keyframe cluster. Slow subscribers miss
// messages rather than stalling the stream.
func (ws *WebMStream) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	ws.mu.Lock()
	if ws.init != nil {
		ch <- ws.init
		if ws.lastKey != nil {
			ch <- ws.lastKey
		}
	}
	ws.subs[ch] = struct{}{}
	n := len(ws.subs)
	ws.mu.Unlock()
	log.Debugf("CALL [%s]: webm subscriber added (%d)", ws.name, n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ws.mu.Lock()
			delete(ws.subs, ch)
			ws.mu.Unlock()
			close(ch)
		})
	}
}

// Started reports whether the init segment was produced.
func (ws *WebMStream) Started() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.init != nil
}

// AddRemoteTrack starts reading t.
func (ws *WebMStream) AddRemoteTrack(t RemoteTrack) {
	switch t.Kind() {
	case webrtc.RTPCodecTypeVideo:
		go ws.pump(t, samplebuilder.New(128, &codecs.VP8Packet{}, 90000), 90, ws.writeVideo)
	case webrtc.RTPCodecTypeAudio:
		ws.mu.Lock()
		if ws.init == nil {
			ws.withAudio = true
		}
		ws.mu.Unlock()
		go ws.pump(t, samplebuilder.New(64, &codecs.OpusPacket{}, 48000), 48, func(ms int64, data []byte) {
			ws.writeAudio(ms, data)
		})
	}
}

// AddSelfView starts reading the local encoder.
func (ws *WebMStream) AddSelfView(src SelfViewSource) {
	go func() {
		start := time.Now()
		for {
			data, release, err := src.ReadFrame()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debugf("CALL [%s]: self-view ended: %v", ws.name, err)
				}
				return
			}
			ws.writeVideo(time.Since(start).Milliseconds(), data)
			if release != nil {
				release()
			}
		}
	}()
}

// pump reassembles frames from t's RTP packets. perMs is the RTP clock rate
// in ticks per millisecond.
func (ws *WebMStream) pump(t RemoteTrack, sb *samplebuilder.SampleBuilder, perMs int64, write func(int64, []byte)) {
	var (
		last    uint32
		elapsed int64
		started bool
	)
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			log.Debugf("CALL [%s]: %s track ended: %v", ws.name, t.Kind(), err)
			return
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			// unwrap the 32-bit RTP clock
			if started {
				elapsed += int64(int32(s.PacketTimestamp - last))
			}
			last, started = s.PacketTimestamp, true
			write(elapsed/perMs, s.Data)
		}
	}
}

func (ws *WebMStream) writeVideo(ms int64, data []byte) {
	key, w, h := vp8Keyframe(data)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if !ws.videoSet {
		ws.videoBase, ws.videoSet = ms, true
	}
	ms -= ws.videoBase

	if ws.init == nil {
		if !key {
			return // a decoder can only start at a keyframe
		}
		if w == 0 || h == 0 {
			w, h = defaultMaxWidth, defaultMaxHeight
		}
		ws.width, ws.height = w, h
		ws.init = initSegment(w, h, ws.withAudio)
		log.Infof("CALL [%s]: webm started, VP8 %dx%d audio=%v", ws.name, w, h, ws.withAudio)
		ws.broadcast(ws.init)
	}

	if key && ws.open {
		ws.flush()
	}
	if !ws.open {
		ws.clusterMs = ms
		if len(ws.audioQueue) > 0 && ws.audioQueue[0].ms < ms {
			ws.clusterMs = ws.audioQueue[0].ms
		}
		ws.open, ws.openKey = true, key
		ws.blocks.Reset()
		for _, a := range ws.audioQueue {
			rel := a.ms - ws.clusterMs
			if rel < math.MinInt16 || rel > math.MaxInt16 {
				continue
			}
			ws.blocks.Write(simpleBlock(trackAudio, int16(rel), false, a.data))
		}
		ws.audioQueue = ws.audioQueue[:0]
	}
	rel := ms - ws.clusterMs
	if rel > math.MaxInt16 {
		rel = math.MaxInt16
	}
	ws.blocks.Write(simpleBlock(trackVideo, int16(rel), key, data))
	ws.flush()
}

func (ws *WebMStream) writeAudio(ms int64, data []byte) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.withAudio {
		return
	}
	if !ws.audioSet {
		ws.audioBase, ws.audioSet = ms, true
	}
	ws.audioQueue = append(ws.audioQueue, queuedAudio{ms: ms - ws.audioBase, data: data})
}

// flush emits the open cluster. Caller holds mu.
func (ws *WebMStream) flush() {
	if !ws.open || ws.blocks.Len() == 0 {
		ws.open = false
		return
	}
	cluster := element(idCluster, element(idTimecode, uintBytes(uint64(ws.clusterMs))), ws.blocks.Bytes())
	if ws.openKey {
		ws.lastKey = cluster
	}
	ws.open, ws.openKey = false, false
	ws.blocks.Reset()
	ws.broadcast(cluster)
}

// broadcast sends msg to every subscriber. Caller holds mu.
func (ws *WebMStream) broadcast(msg []byte) {
	for ch := range ws.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
