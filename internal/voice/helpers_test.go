package voice

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/corbettdesign/studiovoice/internal/observe"
	"github.com/corbettdesign/studiovoice/pkg/audio"
)

const waitTimeout = 3 * time.Second

// newTestMetrics returns metrics backed by a ManualReader.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterValue returns the int64 sum for name where key=value.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					return dp.Value
				}
			}
		}
	}
	return 0
}

// counterTotal sums every data point of the int64 counter name.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == name {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// playbackBlob returns an encoded 24 kHz mono chunk lasting seconds.
func playbackBlob(seconds float64) audio.EncodedBlob {
	n := int(seconds * float64(audio.PlaybackFormat.SampleRate))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = 1000
	}
	return audio.EncodedBlob{
		Data:     audio.EncodeTransport(audio.PCM16Bytes(samples)),
		MIMEType: "audio/pcm;rate=24000",
	}
}

// captureChunk returns a 16 kHz mono frame of the given value.
func captureChunk(v float32) audio.Chunk {
	s := make([]float32, audio.CaptureFrameSize)
	for i := range s {
		s[i] = v
	}
	return audio.Chunk{Samples: s, SampleRate: 16000, Channels: 1}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// expectStates reads successive transitions from ch and checks their targets.
func expectStates(t *testing.T, ch <-chan StateChange, want ...State) []StateChange {
	t.Helper()
	got := make([]StateChange, 0, len(want))
	for i, w := range want {
		select {
		case sc := <-ch:
			if sc.To != w {
				t.Fatalf("transition %d = %s -> %s; want -> %s", i, sc.From, sc.To, w)
			}
			got = append(got, sc)
		case <-time.After(waitTimeout):
			t.Fatalf("timeout waiting for transition %d to %s", i, w)
		}
	}
	return got
}

func signalled(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timeout waiting for %s", what)
	}
}
