package voice

import "testing"

func TestTranscriptBuffer(t *testing.T) {
	var b TranscriptBuffer
	if b.Text() != "" {
		t.Fatalf("new buffer = %q", b.Text())
	}

	if got := b.Append("Hello"); got != "Hello" {
		t.Errorf("Append = %q, want %q", got, "Hello")
	}
	if got := b.Append("there."); got != "Hello there." {
		t.Errorf("Append = %q, want %q", got, "Hello there.")
	}
	if got := b.Append(""); got != "Hello there." {
		t.Errorf("empty Append = %q", got)
	}

	b.Reset()
	if b.Text() != "" {
		t.Errorf("after Reset = %q", b.Text())
	}
	if got := b.Append("Again"); got != "Again" {
		t.Errorf("Append after Reset = %q", got)
	}
}

func TestTranscriptBuffer_Extend(t *testing.T) {
	var b TranscriptBuffer
	for _, delta := range []string{"Hel", "lo", " there", "."} {
		b.Extend(delta)
	}
	if got := b.Text(); got != "Hello there." {
		t.Errorf("Text = %q, want %q", got, "Hello there.")
	}
	if got := b.Append("Bye."); got != "Hello there. Bye." {
		t.Errorf("Append after Extend = %q", got)
	}
}
