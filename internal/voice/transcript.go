package voice

import (
	"strings"
	"sync"
)

// TranscriptBuffer accumulates the remote model's transcript fragments for the
// current turn. Fragments are joined with a single space unless added with
// [TranscriptBuffer.Extend].
type TranscriptBuffer struct {
	mu   sync.Mutex
	text strings.Builder
}

// Append adds fragment and returns the updated text.
func (b *TranscriptBuffer) Append(fragment string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fragment == "" {
		return strings.TrimSpace(b.text.String())
	}
	b.text.WriteByte(' ')
	b.text.WriteString(fragment)
	return strings.TrimSpace(b.text.String())
}

// Extend adds fragment directly after the current text, without a
// separator, and returns the updated text.
func (b *TranscriptBuffer) Extend(fragment string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.WriteString(fragment)
	return strings.TrimSpace(b.text.String())
}

// Text returns the accumulated text with surrounding whitespace removed.
func (b *TranscriptBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.text.String())
}

// Reset clears the buffer.
func (b *TranscriptBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.Reset()
}
