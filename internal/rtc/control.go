package rtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yosyus-Yo/Realtutor/internal/capability"
	"github.com/yosyus-Yo/Realtutor/internal/sampler"
)

// controlMessage is the JSON envelope exchanged on the "control" data
// channel. Client to server: start, stop, granted, denied, ended, frame,
// bye. Server to client: acquire, release, partial, reply, advisory, state.
type controlMessage struct {
	Type     string `json:"type"`
	Modality string `json:"modality,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Text     string `json:"text,omitempty"`
	MIME     string `json:"mime,omitempty"`
	// Data carries base64 frame bytes for type=frame.
	Data string `json:"data,omitempty"`
	// State flags for type=state.
	Audio      *bool `json:"audio,omitempty"`
	Video      *bool `json:"video,omitempty"`
	Screen     *bool `json:"screen,omitempty"`
	Processing *bool `json:"processing,omitempty"`
	Speaking   *bool `json:"speaking,omitempty"`
}

const acquireTimeout = 15 * time.Second

// clientDevices brokers device access with the browser over the control
// channel: the server asks the client to acquire a capture device, the
// client answers granted or denied after its permission prompt. It
// implements the capability provider, so the negotiator stays transport
// agnostic.
type clientDevices struct {
	log *slog.Logger

	mu      sync.Mutex
	dc      textSender
	pending map[capability.Modality]chan error
	streams map[capability.Modality]*remoteStream

	frameMu sync.Mutex
	frame   *sampler.Frame
}

// textSender is what we need from a webrtc.DataChannel; tests fake it.
type textSender interface {
	SendText(s string) error
}

func newClientDevices(log *slog.Logger) *clientDevices {
	if log == nil {
		log = slog.Default()
	}
	return &clientDevices{
		log:     log,
		pending: make(map[capability.Modality]chan error),
		streams: make(map[capability.Modality]*remoteStream),
	}
}

// bind attaches the open control channel; acquisitions before bind fail fast.
func (c *clientDevices) bind(dc textSender) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
}

func (c *clientDevices) send(msg controlMessage) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("rtc: control channel not open")
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return dc.SendText(string(buf))
}

func (c *clientDevices) AcquireAudio(ctx context.Context, _ capability.Constraints) (capability.Stream, error) {
	return c.acquire(ctx, capability.ModalityAudio)
}

func (c *clientDevices) AcquireCamera(ctx context.Context, _ capability.Constraints) (capability.Stream, error) {
	return c.acquire(ctx, capability.ModalityCamera)
}

func (c *clientDevices) AcquireScreen(ctx context.Context, _ capability.Constraints) (capability.Stream, error) {
	return c.acquire(ctx, capability.ModalityScreen)
}

func (c *clientDevices) acquire(ctx context.Context, m capability.Modality) (capability.Stream, error) {
	ch := make(chan error, 1)
	c.mu.Lock()
	if _, exists := c.pending[m]; exists {
		c.mu.Unlock()
		return nil, capability.ErrBusy
	}
	c.pending[m] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, m)
		c.mu.Unlock()
	}()

	if err := c.send(controlMessage{Type: "acquire", Modality: string(m)}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		if err != nil {
			return nil, err
		}
	case <-timer.C:
		return nil, fmt.Errorf("rtc: %s acquisition timed out: %w", m, capability.ErrCancelled)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	stream := newRemoteStream(c, m)
	c.mu.Lock()
	c.streams[m] = stream
	c.mu.Unlock()
	return stream, nil
}

// resolveGrant completes a pending acquisition. Unknown grants are ignored.
func (c *clientDevices) resolveGrant(m capability.Modality, err error) {
	c.mu.Lock()
	ch := c.pending[m]
	c.mu.Unlock()
	if ch == nil {
		c.log.Debug("grant for no pending acquisition", "modality", string(m))
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// streamEnded marks a client-side capture as gone (device unplugged, browser
// stop button). The negotiator observes it through Stream.Done.
func (c *clientDevices) streamEnded(m capability.Modality) {
	c.mu.Lock()
	stream := c.streams[m]
	delete(c.streams, m)
	c.mu.Unlock()
	if stream != nil {
		stream.end()
	}
}

// handleFrame stores the most recent client-pushed frame; the sampler grabs
// it on its own clock.
func (c *clientDevices) handleFrame(mime string, b64 string) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(data) == 0 {
		c.log.Debug("dropping malformed frame", "error", err)
		return
	}
	if mime == "" {
		mime = "image/jpeg"
	}
	c.frameMu.Lock()
	c.frame = &sampler.Frame{Data: data, MIMEType: mime, CapturedAt: time.Now()}
	c.frameMu.Unlock()
}

// takeFrame consumes the latest frame, if any arrived since the last take.
func (c *clientDevices) takeFrame() (sampler.Frame, bool) {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	if c.frame == nil {
		return sampler.Frame{}, false
	}
	f := *c.frame
	c.frame = nil
	return f, true
}

// shutdown ends every live stream, e.g. on peer disconnect.
func (c *clientDevices) shutdown() {
	c.mu.Lock()
	streams := make([]*remoteStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[capability.Modality]*remoteStream)
	c.mu.Unlock()
	for _, s := range streams {
		s.end()
	}
}

func mapDenyReason(reason string) error {
	switch reason {
	case "permission", "permission-denied":
		return capability.ErrPermissionDenied
	case "no-device", "not-found":
		return capability.ErrNoDevice
	case "cancelled", "dismissed":
		return capability.ErrCancelled
	default:
		return fmt.Errorf("rtc: client denied capture (%s)", reason)
	}
}

// remoteStream is a handle on a capture running in the client's browser.
// Stop asks the client to release the device; Done closes when the capture
// ends for any reason. Visual streams also serve sampled frames.
type remoteStream struct {
	ctl      *clientDevices
	modality capability.Modality
	done     chan struct{}
	once     sync.Once
}

func newRemoteStream(ctl *clientDevices, m capability.Modality) *remoteStream {
	return &remoteStream{ctl: ctl, modality: m, done: make(chan struct{})}
}

func (s *remoteStream) Stop() {
	s.once.Do(func() {
		_ = s.ctl.send(controlMessage{Type: "release", Modality: string(s.modality)})
		close(s.done)
	})
	s.ctl.mu.Lock()
	if s.ctl.streams[s.modality] == s {
		delete(s.ctl.streams, s.modality)
	}
	s.ctl.mu.Unlock()
}

func (s *remoteStream) Done() <-chan struct{} { return s.done }

func (s *remoteStream) end() {
	s.once.Do(func() { close(s.done) })
}

// Grab returns the most recent frame pushed by the client. With no fresh
// frame the sampler tick is a no-op.
func (s *remoteStream) Grab(ctx context.Context) (sampler.Frame, error) {
	f, ok := s.ctl.takeFrame()
	if !ok {
		return sampler.Frame{}, sampler.ErrUnavailable
	}
	return f, nil
}
