package call

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Negotiator is the peer-connection primitive a Session drives. Descriptions
// produced by CreateOffer and CreateAnswer are already set as the local
// description. Callbacks may fire on any goroutine.
type Negotiator interface {
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	// AddReceiveOnly adds recvonly audio and video transceivers so a side
	// without local media still produces usable m-lines.
	AddReceiveOnly() error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// TrackSender is the sending half of an added track. Replacing with nil
// stops sending without renegotiation.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is incoming media. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// NegotiatorFactory creates the negotiator for one call.
type NegotiatorFactory func(callID string) (Negotiator, error)

// NegotiatorConfig holds the ICE settings of NewPionNegotiator.
type NegotiatorConfig struct {
	STUNServers []string
	// ICE timeouts; zero values keep pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// KeyframeInterval is how often a picture loss indication is sent for
	// remote video; zero sends one only when the track arrives.
	KeyframeInterval time.Duration
}

// PionFactory returns a NegotiatorFactory backed by pion.
func PionFactory(cfg NegotiatorConfig) NegotiatorFactory {
	return func(callID string) (Negotiator, error) {
		return NewPionNegotiator(callID, cfg)
	}
}

type pionNegotiator struct {
	callID string
	cfg    NegotiatorConfig
	pc     *webrtc.PeerConnection
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPionNegotiator creates a peer connection with the default codecs and
// interceptors and the configured STUN servers.
func NewPionNegotiator(callID string, cfg NegotiatorConfig) (Negotiator, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &pionNegotiator{callID: callID, cfg: cfg, pc: pc, ctx: ctx, cancel: cancel}, nil
}

func (n *pionNegotiator) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (n *pionNegotiator) AddReceiveOnly() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := n.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (n *pionNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (n *pionNegotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (n *pionNegotiator) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return n.pc.SetRemoteDescription(sd)
}

func (n *pionNegotiator) AddICECandidate(c webrtc.ICECandidateInit) error {
	return n.pc.AddICECandidate(c)
}

func (n *pionNegotiator) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (n *pionNegotiator) OnTrack(fn func(RemoteTrack)) {
	n.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("CALL [%s]: remote %s track %s (%s)", n.callID, t.Kind(), t.ID(), t.Codec().MimeType)
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			go n.requestKeyframes(t.SSRC())
		}
		fn(t)
	})
}

// requestKeyframes sends picture loss indications so the remote encoder
// produces a keyframe a decoder can start from.
func (n *pionNegotiator) requestKeyframes(ssrc webrtc.SSRC) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}
	if err := n.pc.WriteRTCP(pli); err != nil {
		log.Debugf("CALL [%s]: PLI: %v", n.callID, err)
	}
	if n.cfg.KeyframeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(n.cfg.KeyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.pc.WriteRTCP(pli); err != nil {
				return
			}
		}
	}
}

func (n *pionNegotiator) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	n.pc.OnConnectionStateChange(fn)
}

func (n *pionNegotiator) Close() error {
	n.cancel()
	return n.pc.Close()
}
