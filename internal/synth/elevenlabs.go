package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ElevenLabsStreamer is the HTTP-streaming fallback synthesizer. It yields
// 48 kHz PCM like the Deepgram streamer so the two are interchangeable.
type ElevenLabsStreamer struct {
	apiKey  string
	voiceID string
	// rate scales speaking speed (1.0 = normal).
	rate float64
}

func NewElevenLabsStreamer(apiKey, voiceID string, rate float64) *ElevenLabsStreamer {
	if rate <= 0 {
		rate = 1.0
	}
	return &ElevenLabsStreamer{apiKey: apiKey, voiceID: voiceID, rate: rate}
}

func (e *ElevenLabsStreamer) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if e.apiKey == "" || e.voiceID == "" {
			errCh <- fmt.Errorf("synth: elevenlabs api key or voice id missing")
			return
		}
		if err := e.httpStream(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsStreamer) httpStream(ctx context.Context, text string, pcmCh chan<- []byte) error {
	u := url.URL{
		Scheme: "https",
		Host:   "api.elevenlabs.io",
		Path:   "/v1/text-to-speech/" + e.voiceID + "/stream",
	}
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "pcm_48000")
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"speed":             e.rate,
			"use_speaker_boost": true,
		},
		// shorter chunks reduce tail cutoff; the server still streams
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 0}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("synth: elevenlabs stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("synth: elevenlabs status=%d body=%s", resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			b := make([]byte, n)
			copy(b, chunk[:n])
			select {
			case pcmCh <- b:
			case <-ctx.Done():
				return nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("synth: elevenlabs read: %w", rerr)
		}
	}
}
