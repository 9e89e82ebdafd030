// Package rtc is the pion-backed core.MediaConnection: one peer connection
// with a single Opus audio track.
package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/DeskCall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const frameDuration = 20 * time.Millisecond

var ErrClosed = errors.New("connection closed")

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Source supplies encoded Opus frames for the local track, one per 20ms.
type Source interface {
	NextFrame() ([]byte, error)
	Close() error
}

type silence struct{}

func (silence) NextFrame() ([]byte, error) { return opusSilence, nil }
func (silence) Close() error               { return nil }

func DefaultICEServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

type Factory struct {
	api       *webrtc.API
	config    webrtc.Configuration
	clk       clock.Clock
	newSource func() (Source, error)
}

var _ core.MediaFactory = (*Factory)(nil)

// NewFactory builds a pion API with the default codecs and interceptors.
// Local audio is silence unless WithSource is used.
func NewFactory(iceServers []string, clk clock.Clock) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Factory{
		api:       api,
		config:    cfg,
		clk:       clk,
		newSource: func() (Source, error) { return silence{}, nil },
	}, nil
}

// WithSource replaces the local audio source for connections created after.
func (f *Factory) WithSource(fn func() (Source, error)) *Factory {
	f.newSource = fn
	return f
}

func (f *Factory) NewConnection(label string) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		label:     label,
		pc:        pc,
		clk:       f.clk,
		newSource: f.newSource,
		log:       log.With().Str("module", "webrtc").Str("conn", label).Logger(),
	}
	c.bind()
	return c, nil
}

// Connection wraps a pion PeerConnection.
type Connection struct {
	label     string
	pc        *webrtc.PeerConnection
	clk       clock.Clock
	newSource func() (Source, error)
	log       zerolog.Logger

	muted atomic.Bool

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	source  Source
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func (c *Connection) bind() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		// playback is not wired; drain so the interceptors keep running
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	})
}

// Start attaches the local audio track and begins feeding it.
func (c *Connection) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.source != nil {
		return nil
	}

	src, err := c.newSource()
	if err != nil {
		return err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", c.label)
	if err != nil {
		return multierr.Append(err, src.Close())
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return multierr.Append(err, src.Close())
	}
	c.source = src

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.pumpAudio(pumpCtx, track, src)
	go c.readRTCP(sender)
	c.log.Info().Msg("local audio started")
	return nil
}

func (c *Connection) pumpAudio(ctx context.Context, track *webrtc.TrackLocalStaticSample, src Source) {
	defer c.wg.Done()
	ticker := c.clk.Ticker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, err := src.NextFrame()
		if err != nil {
			c.log.Error().Err(err).Msg("audio source")
			return
		}
		if c.isMuted() {
			frame = opusSilence
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			c.log.Debug().Err(err).Msg("write sample")
		}
	}
}

func (c *Connection) readRTCP(sender *webrtc.RTPSender) {
	defer c.wg.Done()
	rtcpBuf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(rtcpBuf); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

// SetMuted swaps the outgoing audio for silence; the track stays negotiated.
func (c *Connection) SetMuted(muted bool) error {
	c.muted.Store(muted)
	return nil
}

func (c *Connection) isMuted() bool {
	return c.muted.Load()
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close stops local audio and the peer connection. Later calls are no-ops.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	src, cancel := c.source, c.cancel
	c.onICE, c.onState = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := c.pc.Close()
	c.wg.Wait()
	if src != nil {
		err = multierr.Append(err, src.Close())
	}
	if err != nil {
		c.log.Error().Err(err).Msg("close error")
	} else {
		c.log.Info().Msg("closed")
	}
	return err
}
