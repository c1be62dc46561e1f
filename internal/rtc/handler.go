package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/yosyus-Yo/Realtutor/internal/capability"
	"github.com/yosyus-Yo/Realtutor/internal/recognizer"
	"github.com/yosyus-Yo/Realtutor/internal/sampler"
	"github.com/yosyus-Yo/Realtutor/internal/session"
	"github.com/yosyus-Yo/Realtutor/internal/synth"
	"github.com/yosyus-Yo/Realtutor/internal/tutor"
)

// Deps are the shared services each peer connection is assembled from.
// Per-connection pieces (negotiator, supervisor, sampler, speaker) are built
// fresh in attachSession.
type Deps struct {
	Tutor     tutor.Engine
	Store     session.Store
	Queue     session.OfflineQueue
	Frames    session.FrameArchive
	Streamer  synth.Streamer
	NewEngine recognizer.EngineFactory

	FramePeriod time.Duration
}

// Handler accepts WebRTC peers and runs one tutoring session per connection.
type Handler struct {
	deps           Deps
	iceServersJSON string
	authPassword   string
	log            *slog.Logger
}

func NewHandler(deps Deps, iceServersJSON, authPassword string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if deps.FramePeriod <= 0 {
		deps.FramePeriod = sampler.DefaultPeriod
	}
	return &Handler{deps: deps, iceServersJSON: iceServersJSON, authPassword: authPassword, log: log}
}

// createPeer prepares a PeerConnection with codecs/interceptors and the
// outbound tutor-audio track. Media and session handlers attach later so
// answer creation is never blocked.
func (h *Handler) createPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	servers := parseICEServers(h.iceServersJSON)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"tutor-audio", "tutor",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, nil, err
	}
	cleanup := func() { _ = pc.Close() }
	return pc, outTrack, cleanup, nil
}

// sessionParams carry client-supplied session context from signaling.
type sessionParams struct {
	UserID  string
	Subject string
	Level   session.Level
}

// attachSession builds the per-connection stack and wires it to the peer.
func (h *Handler) attachSession(pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample, params sessionParams) {
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		h.log.Error("opus encoder init failed", "error", err)
		return
	}

	ctl := newClientDevices(h.log)
	sup := recognizer.NewSupervisor(h.deps.NewEngine, h.log)
	speaker := synth.NewSpeaker(h.deps.Streamer, paced, h.log)
	buf := &sampler.TranscriptBuffer{}

	var sess *session.Session
	smp := sampler.New(h.deps.FramePeriod, buf, func(ctx context.Context, s sampler.Sample) {
		sess.HandleSample(ctx, s)
	}, h.log)

	neg := capability.NewNegotiator(ctl, capability.Hooks{
		AudioStarted:  func(capability.Stream) { sess.HandleAudioStarted(context.Background()) },
		AudioStopped:  func() { sess.HandleAudioStopped() },
		VisualStarted: func(_ capability.VisualSource, stream capability.Stream) { sess.HandleVisualStarted(stream) },
		VisualStopped: func(capability.VisualSource) { sess.HandleVisualStopped() },
	}, h.log)

	sess = session.New(session.Params{
		UserID:     params.UserID,
		Subject:    params.Subject,
		Level:      params.Level,
		Negotiator: neg,
		Recognizer: sup,
		Tutor:      h.deps.Tutor,
		Speaker:    speaker,
		Sampler:    smp,
		Transcript: buf,
		Store:      h.deps.Store,
		Queue:      h.deps.Queue,
		Frames:     h.deps.Frames,
		Logger:     h.log,
	})
	log := h.log.With("session_id", sess.ID())
	sup.OnError(func(err error) { sess.HandleRecognizerError(err) })

	sess.OnPartial(func(text string) {
		_ = ctl.send(controlMessage{Type: "partial", Text: text})
	})
	sess.OnAdvisory(func(text string) {
		_ = ctl.send(controlMessage{Type: "advisory", Text: text})
	})
	sess.OnReply(func(msg session.Message) {
		_ = ctl.send(controlMessage{Type: "reply", Text: msg.Text})
	})
	neg.Subscribe(func(snap capability.Snapshot) {
		audio := snap.AudioActive()
		video := snap.VideoActive()
		screen := snap.ScreenActive()
		_ = ctl.send(controlMessage{Type: "state", Audio: &audio, Video: &video, Screen: &screen})
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	if err := sess.Start(runCtx); err != nil {
		log.Error("session start failed", "error", err)
		cancelRun()
		paced.Close()
		return
	}
	smp.Run(runCtx)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dc.OnOpen(func() {
			log.Info("control channel open")
			ctl.bind(dc)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			h.dispatchControl(runCtx, log, neg, ctl, sess, msg.Data)
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug("ice state changed", "state", state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			ctl.shutdown()
			sess.Close()
			cancelRun()
			paced.FlushTail()
			time.AfterFunc(400*time.Millisecond, func() { paced.Close() })
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Info("remote audio track received", "codec", remote.Codec().MimeType)
		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Error("opus decoder init failed", "error", derr)
			return
		}
		go h.pumpMic(log, remote, dec, sup)
	})
}

// dispatchControl routes one client control message. Capability starts block
// on the client's permission prompt, so they run off the channel callback.
func (h *Handler) dispatchControl(ctx context.Context, log *slog.Logger, neg *capability.Negotiator, ctl *clientDevices, sess *session.Session, data []byte) {
	var m controlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		log.Debug("dropping malformed control message", "error", err)
		return
	}
	modality := capability.Modality(strings.ToLower(m.Modality))
	switch strings.ToLower(m.Type) {
	case "start":
		go func() {
			var err error
			switch modality {
			case capability.ModalityAudio:
				err = neg.StartAudio(ctx)
			case capability.ModalityCamera:
				err = neg.StartVideo(ctx)
			case capability.ModalityScreen:
				err = neg.StartScreen(ctx)
			}
			if err != nil {
				log.Warn("capability start failed", "modality", string(modality), "error", err)
			}
		}()
	case "stop":
		switch modality {
		case capability.ModalityAudio:
			neg.StopAudio()
		case capability.ModalityCamera:
			neg.StopVideo()
		case capability.ModalityScreen:
			neg.StopScreen()
		}
	case "granted":
		ctl.resolveGrant(modality, nil)
	case "denied":
		ctl.resolveGrant(modality, mapDenyReason(m.Reason))
	case "ended":
		ctl.streamEnded(modality)
	case "frame":
		ctl.handleFrame(m.MIME, m.Data)
	case "bye":
		sess.Close()
	default:
		log.Debug("unknown control message", "type", m.Type)
	}
}

// pumpMic decodes inbound Opus RTP to 16kHz PCM and feeds the recognizer in
// 100ms chunks.
func (h *Handler) pumpMic(log *slog.Logger, remote *webrtc.TrackRemote, dec *opus.Decoder, sup *recognizer.Supervisor) {
	const pcm16kChunkBytes = 3200
	pcm16kBuf := make([]byte, 0, pcm16kChunkBytes*4)
	samples := make([]int16, 1920)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Debug("rtp read ended", "error", readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			continue
		}
		startLen := len(pcm16kBuf)
		need := n * 2
		if cap(pcm16kBuf)-len(pcm16kBuf) < need {
			tmp := make([]byte, len(pcm16kBuf), len(pcm16kBuf)+need+pcm16kChunkBytes)
			copy(tmp, pcm16kBuf)
			pcm16kBuf = tmp
		}
		pcm16kBuf = pcm16kBuf[:len(pcm16kBuf)+need]
		o := pcm16kBuf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(pcm16kBuf) >= pcm16kChunkBytes {
			chunk := pcm16kBuf[:pcm16kChunkBytes]
			_ = sup.SendPCM16KLE(chunk)
			copy(pcm16kBuf, pcm16kBuf[pcm16kChunkBytes:])
			pcm16kBuf = pcm16kBuf[:len(pcm16kBuf)-pcm16kChunkBytes]
		}
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
