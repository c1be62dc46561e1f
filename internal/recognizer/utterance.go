package recognizer

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"
)

// silenceThreshold is the base inactivity window required before an utterance
// is considered complete. Conservative to avoid cutting the learner mid-sentence.
const silenceThreshold = 700 * time.Millisecond

// continuationExtension extends the threshold when the last word implies the
// speaker will continue ("and", "if", "about", ...).
const continuationExtension = 1200 * time.Millisecond

// stabilizationGrace absorbs late transcript updates from the ASR before the
// delta is committed.
const stabilizationGrace = 250 * time.Millisecond

// utteranceTracker turns a stream of running full transcripts into finalized
// utterance deltas. Finalization fires only after sustained inactivity in
// both the transcript text and the voice energy signal.
type utteranceTracker struct {
	mu         sync.Mutex
	latest     string
	committed  string
	lastUpdate time.Time
	lastVoice  time.Time
	timer      *time.Timer
	closed     bool
	emit       func(delta string)
}

func newUtteranceTracker(emit func(string)) *utteranceTracker {
	now := time.Now()
	return &utteranceTracker{lastUpdate: now, lastVoice: now, emit: emit}
}

// Observe records a new running transcript and (re)arms the silence timer.
func (t *utteranceTracker) Observe(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.latest = text
	t.lastUpdate = time.Now()
	t.armLocked(silenceThreshold)
}

// MarkVoice records that voice energy was observed in the input audio.
func (t *utteranceTracker) MarkVoice() {
	t.mu.Lock()
	t.lastVoice = time.Now()
	t.mu.Unlock()
}

// RecentVoice reports whether voice energy was seen within the window.
func (t *utteranceTracker) RecentVoice(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastVoice) <= window
}

func (t *utteranceTracker) armLocked(d time.Duration) {
	if t.timer == nil {
		t.timer = time.AfterFunc(d, t.fire)
		return
	}
	t.timer.Stop()
	t.timer.Reset(d)
}

// fire checks whether enough combined inactivity has passed; if not it
// reschedules itself for the remaining window.
func (t *utteranceTracker) fire() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	threshold := silenceThreshold + stabilizationGrace
	if continuationLikely(t.latest) {
		threshold += continuationExtension
	}
	now := time.Now()
	sinceText := now.Sub(t.lastUpdate)
	sinceVoice := now.Sub(t.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold - sinceText
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem > wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		t.armLocked(wait)
		t.mu.Unlock()
		return
	}
	delta := t.takeDeltaLocked()
	t.mu.Unlock()
	if delta != "" && t.emit != nil {
		t.emit(delta)
	}
}

// Flush commits any pending delta immediately (used on engine termination so
// the last words are not lost).
func (t *utteranceTracker) Flush() {
	t.mu.Lock()
	delta := t.takeDeltaLocked()
	t.mu.Unlock()
	if delta != "" && t.emit != nil {
		t.emit(delta)
	}
}

// Close stops the timer; no further deltas are emitted.
func (t *utteranceTracker) Close() {
	t.mu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}

// takeDeltaLocked returns the uncommitted suffix of the running transcript.
func (t *utteranceTracker) takeDeltaLocked() string {
	latest := t.latest
	base := t.committed
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	t.committed = latest
	return delta
}

// continuationLikely returns true if the last meaningful word suggests the
// speaker is mid-sentence.
func continuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

// voiceEnergyAbove reports whether a 16-bit LE mono PCM buffer carries RMS
// energy above the voice threshold. Used to gate finalization on real speech
// rather than transcript churn alone.
func voiceEnergyAbove(pcm []byte, threshold float64) bool {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return false
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return false
	}
	return math.Sqrt(sumSquares/float64(count)) >= threshold
}
