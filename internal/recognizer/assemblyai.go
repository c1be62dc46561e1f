package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const voiceRMSThreshold = 250.0

// AssemblyAIEngine streams 16 kHz PCM to the AssemblyAI realtime endpoint and
// emits interim and finalized transcripts. One engine corresponds to one
// websocket connection; it cannot be reconnected after Closed fires.
type AssemblyAIEngine struct {
	apiKey string
	locale string
	log    *slog.Logger

	partials chan string
	finals   chan string
	audio    chan []byte
	closedCh chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	termErr   error

	tracker *utteranceTracker
}

type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type terminationMessage struct {
	Type                 string  `json:"type"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIEngine creates a single-use streaming recognition engine.
// locale is a BCP-47 tag forwarded as the recognition language.
func NewAssemblyAIEngine(apiKey, locale string, log *slog.Logger) *AssemblyAIEngine {
	if log == nil {
		log = slog.Default()
	}
	e := &AssemblyAIEngine{
		apiKey:   apiKey,
		locale:   locale,
		log:      log,
		partials: make(chan string, 100),
		finals:   make(chan string, 10),
		audio:    make(chan []byte, 1000),
		closedCh: make(chan struct{}),
	}
	e.tracker = newUtteranceTracker(func(delta string) {
		select {
		case e.finals <- delta:
		case <-e.closedCh:
		}
	})
	return e
}

func (e *AssemblyAIEngine) Partials() <-chan string { return e.partials }
func (e *AssemblyAIEngine) Finals() <-chan string   { return e.finals }
func (e *AssemblyAIEngine) Closed() <-chan struct{} { return e.closedCh }

func (e *AssemblyAIEngine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.termErr
}

// Connect dials the streaming endpoint and starts the reader and writer loops.
func (e *AssemblyAIEngine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("recognizer: engine already closed")
	}
	if e.connected {
		return nil
	}
	if e.apiKey == "" {
		return fmt.Errorf("recognizer: AssemblyAI API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "false")
	if e.locale != "" {
		params.Set("language", e.locale)
	}
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, map[string][]string{"Authorization": {e.apiKey}})
	if err != nil {
		if resp != nil {
			e.log.Error("assemblyai connect failed", "status", resp.StatusCode)
		}
		return fmt.Errorf("recognizer: connect: %w", err)
	}

	e.conn = conn
	e.connected = true

	go e.readLoop()
	go e.writeLoop()

	e.log.Info("assemblyai streaming connected", "locale", e.locale)
	return nil
}

// SendPCM16KLE queues audio for delivery. Drops packets rather than blocking
// the media pipeline when the queue is full.
func (e *AssemblyAIEngine) SendPCM16KLE(pcm []byte) error {
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if voiceEnergyAbove(pcm, voiceRMSThreshold) {
		e.tracker.MarkVoice()
	}
	select {
	case e.audio <- pcm:
	default:
		e.log.Debug("audio buffer full, dropping packet")
	}
	return nil
}

// RecentVoice reports whether voice energy was seen within the window.
func (e *AssemblyAIEngine) RecentVoice(window time.Duration) bool {
	return e.tracker.RecentVoice(window)
}

// Close terminates the connection and flushes any pending utterance delta.
func (e *AssemblyAIEngine) Close() error {
	return e.shutdown(nil)
}

func (e *AssemblyAIEngine) shutdown(cause error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.connected = false
	e.termErr = cause
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = conn.Close()
	}
	// Flush before the closed channel drops the emit path.
	e.tracker.Flush()
	e.tracker.Close()
	close(e.closedCh)
	return nil
}

func (e *AssemblyAIEngine) readLoop() {
	for {
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			e.mu.Lock()
			alreadyClosed := e.closed
			e.mu.Unlock()
			if !alreadyClosed {
				e.log.Warn("assemblyai read ended", "error", err)
				_ = e.shutdown(fmt.Errorf("recognizer: read: %w", err))
			}
			return
		}
		e.processMessage(message)
	}
}

func (e *AssemblyAIEngine) processMessage(message []byte) {
	var base map[string]any
	if err := json.Unmarshal(message, &base); err != nil {
		e.log.Warn("unparseable recognizer message", "error", err)
		return
	}
	msgType, _ := base["type"].(string)
	switch msgType {
	case "Begin":
		var msg beginMessage
		if json.Unmarshal(message, &msg) == nil {
			e.log.Info("assemblyai session began", "id", msg.ID,
				"expires_at", time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339))
		}
	case "Turn":
		var msg turnMessage
		if json.Unmarshal(message, &msg) != nil || msg.Transcript == "" {
			return
		}
		select {
		case e.partials <- msg.Transcript:
		default:
		}
		e.tracker.Observe(msg.Transcript)
	case "Termination":
		var msg terminationMessage
		if json.Unmarshal(message, &msg) == nil {
			e.log.Info("assemblyai session terminated", "audio_seconds", msg.AudioDurationSeconds)
		}
		_ = e.shutdown(nil)
	case "Error":
		var msg errorMessage
		if json.Unmarshal(message, &msg) != nil {
			return
		}
		if isNoSpeech(msg.Error) {
			e.log.Debug("no speech detected")
			return
		}
		e.log.Error("assemblyai error", "error", msg.Error)
		_ = e.shutdown(fmt.Errorf("recognizer: %s", msg.Error))
	default:
		e.log.Debug("unknown recognizer message", "type", msgType)
	}
}

func (e *AssemblyAIEngine) writeLoop() {
	for {
		select {
		case <-e.closedCh:
			return
		case pcm := <-e.audio:
			e.mu.Lock()
			conn := e.conn
			e.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				e.mu.Lock()
				alreadyClosed := e.closed
				e.mu.Unlock()
				if !alreadyClosed {
					e.log.Warn("assemblyai write failed", "error", err)
					_ = e.shutdown(fmt.Errorf("recognizer: write: %w", err))
				}
				return
			}
		}
	}
}

func isNoSpeech(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "no speech") || strings.Contains(m, "no audio")
}
