package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/yosyus-Yo/Realtutor/internal/session"
)

// signalMessage is the WebSocket signaling envelope.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye",
// "error".
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Allow any origin for demo use; restrict in production
		return true
	},
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer plus trickle
// ICE signaling, then hands the peer to a tutoring session. It expects
// messages auth(optional) -> offer -> candidates... and responds with answer
// and candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Auth: Authorization: Bearer <pwd> or ?password=... or a first
	// message with type=auth.
	if h.authPassword != "" && !checkAuthHeaderOrQuery(r, h.authPassword) {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			_ = writeSignalError(conn, fmt.Errorf("auth required"))
			return
		}
		if mt != websocket.TextMessage {
			_ = writeSignalError(conn, fmt.Errorf("invalid auth frame"))
			return
		}
		var m signalMessage
		if jerr := json.Unmarshal(data, &m); jerr != nil || strings.ToLower(m.Type) != "auth" || m.Password != h.authPassword {
			_ = writeSignalError(conn, fmt.Errorf("unauthorized"))
			return
		}
	}

	params := paramsFromRequest(r)

	// Wait for the offer.
	var offerSDP string
	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			h.log.Debug("ws read ended before offer", "error", rerr)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				offerSDP = m.SDP
			}
		case "bye":
			return
		}
		if offerSDP != "" {
			break
		}
	}

	pc, outTrack, cleanup, err := h.createPeer()
	if err != nil {
		_ = writeSignalError(conn, err)
		return
	}
	defer cleanup()

	// Trickle local candidates to the client.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = writeSignal(conn, signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = writeSignal(conn, signalMessage{
			Type:          "candidate",
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	// Remote trickle candidates from the client.
	go func() {
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var m signalMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate:     m.Candidate,
					SDPMid:        m.SDPMid,
					SDPMLineIndex: m.SDPMLineIndex,
				})
			case "bye":
				_ = pc.Close()
				return
			}
		}
	}()

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = writeSignalError(conn, err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = writeSignalError(conn, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = writeSignalError(conn, err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = writeSignalError(conn, errors.New("no local description"))
		return
	}
	if err := writeSignal(conn, signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		h.log.Error("ws write answer failed", "error", err)
		return
	}

	h.attachSession(pc, outTrack, params)

	// Keep the goroutine alive until the peer closes; the state handler in
	// attachSession does the cleanup.
	for {
		time.Sleep(2 * time.Second)
		state := pc.ConnectionState()
		if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			return
		}
	}
}

// paramsFromRequest reads session context from query parameters, with safe
// defaults for an anonymous general-purpose session.
func paramsFromRequest(r *http.Request) sessionParams {
	q := r.URL.Query()
	params := sessionParams{
		UserID:  q.Get("user"),
		Subject: q.Get("subject"),
		Level:   session.Level(strings.ToLower(q.Get("level"))),
	}
	if params.UserID == "" {
		params.UserID = "anonymous"
	}
	if params.Subject == "" {
		params.Subject = "general"
	}
	switch params.Level {
	case session.LevelBeginner, session.LevelIntermediate, session.LevelAdvanced:
	default:
		params.Level = session.LevelBeginner
	}
	return params
}

func checkAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		tok := strings.TrimSpace(ah[len("Bearer "):])
		if tok == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

func writeSignal(conn *websocket.Conn, v signalMessage) error {
	return conn.WriteJSON(v)
}

func writeSignalError(conn *websocket.Conn, err error) error {
	return conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
}
