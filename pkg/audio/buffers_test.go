package audio_test

import (
	"errors"
	"math"
	"testing"

	"github.com/tonelab/tone/pkg/audio"
)

// frameOf returns a frame of size samples all set to v, so frames can be
// told apart by their first sample.
func frameOf(size int, v float32) audio.Frame {
	f := make(audio.Frame, size)
	for i := range f {
		f[i] = v
	}
	return f
}

// ---- FrameAccumulator -------------------------------------------------------

func TestFrameAccumulator_EmptyInput(t *testing.T) {
	acc := audio.NewFrameAccumulator(4)
	frames, err := acc.Push(nil)
	if err != nil || frames != nil {
		t.Fatalf("Push(nil) = %v, %v; want nil, nil", frames, err)
	}
}

func TestFrameAccumulator_SplitsAndKeepsRemainder(t *testing.T) {
	acc := audio.NewFrameAccumulator(4)

	// 6 samples → one frame, 2 pending.
	frames, err := acc.Push(audio.EncodeFloat32LE([]float32{1, 2, 3, 4, 5, 6}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if acc.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", acc.Pending())
	}

	// 6 more → two frames: [5 6 7 8] [9 10 11 12].
	frames, err = acc.Push(audio.EncodeFloat32LE([]float32{7, 8, 9, 10, 11, 12}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0][0] != 5 || frames[1][3] != 12 {
		t.Errorf("frames out of order: %v", frames)
	}
	if acc.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", acc.Pending())
	}
}

func TestFrameAccumulator_MalformedChunkDropped(t *testing.T) {
	acc := audio.NewFrameAccumulator(2)
	if _, err := acc.Push(audio.EncodeFloat32LE([]float32{1})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := acc.Push([]byte{1, 2, 3})
	if !errors.Is(err, audio.ErrMalformedChunk) {
		t.Fatalf("err = %v, want ErrMalformedChunk", err)
	}
	if acc.Pending() != 1 {
		t.Fatalf("malformed chunk must not touch pending samples; Pending() = %d", acc.Pending())
	}

	frames, err := acc.Push(audio.EncodeFloat32LE([]float32{2}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 1 || frames[0][0] != 1 || frames[0][1] != 2 {
		t.Errorf("accumulation did not continue after malformed chunk: %v", frames)
	}
}

func TestFrameAccumulator_FramesNotAliased(t *testing.T) {
	acc := audio.NewFrameAccumulator(2)
	frames, _ := acc.Push(audio.EncodeFloat32LE([]float32{1, 2, 3}))
	first := frames[0]
	_, _ = acc.Push(audio.EncodeFloat32LE([]float32{9, 9, 9}))
	if first[0] != 1 || first[1] != 2 {
		t.Errorf("earlier frame mutated by later push: %v", first)
	}
}

func TestFrameAccumulator_DefaultFrameSize(t *testing.T) {
	acc := audio.NewFrameAccumulator(0)
	frames, _ := acc.Push(audio.EncodeFloat32LE(make([]float32, audio.FrameSize)))
	if len(frames) != 1 || len(frames[0]) != audio.FrameSize {
		t.Fatalf("want one %d-sample frame, got %d frames", audio.FrameSize, len(frames))
	}
}

// ---- PreRollRing ------------------------------------------------------------

func TestPreRollFrames(t *testing.T) {
	tests := []struct {
		preRollMs int
		frameMs   float64
		want      int
	}{
		{100, 32, 3},
		{0, 32, 0},
		{31, 32, 0},
		{64, 32, 2},
		{100, 0, 0},
	}
	for _, tt := range tests {
		if got := audio.PreRollFrames(tt.preRollMs, tt.frameMs); got != tt.want {
			t.Errorf("PreRollFrames(%d, %v) = %d, want %d", tt.preRollMs, tt.frameMs, got, tt.want)
		}
	}
}

func TestPreRollRing_UnderCapacityKeepsAllInOrder(t *testing.T) {
	for n := 0; n <= 3; n++ {
		r := audio.NewPreRollRing(3)
		for i := range n {
			r.Append(frameOf(2, float32(i)))
		}
		got := r.Drain()
		if len(got) != n {
			t.Fatalf("n=%d: drained %d frames", n, len(got))
		}
		for i, f := range got {
			if f[0] != float32(i) {
				t.Errorf("n=%d: frame %d = %v, want %d", n, i, f[0], i)
			}
		}
	}
}

func TestPreRollRing_OverCapacityKeepsMostRecent(t *testing.T) {
	r := audio.NewPreRollRing(3)
	for i := range 10 {
		r.Append(frameOf(2, float32(i)))
	}
	got := r.Drain()
	want := []float32{7, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("drained %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i][0] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, got[i][0], want[i])
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", r.Len())
	}
	if again := r.Drain(); len(again) != 0 {
		t.Errorf("second Drain returned %d frames", len(again))
	}
}

func TestPreRollRing_ZeroCapacityIsNoop(t *testing.T) {
	r := audio.NewPreRollRing(0)
	r.Append(frameOf(2, 1))
	if r.Len() != 0 || len(r.Drain()) != 0 {
		t.Fatal("zero-capacity ring must stay empty")
	}
}

func TestPreRollRing_CopiesFrames(t *testing.T) {
	r := audio.NewPreRollRing(1)
	f := frameOf(2, 1)
	r.Append(f)
	f[0] = 42
	if got := r.Drain(); got[0][0] != 1 {
		t.Errorf("ring aliased caller frame: %v", got[0])
	}
}

// ---- UtteranceAssembler -----------------------------------------------------

func TestUtteranceAssembler_AppendTakeReset(t *testing.T) {
	u := audio.NewUtteranceAssembler(0)
	u.Append(frameOf(3, 1))
	u.Append(frameOf(3, 2))
	if u.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", u.Len())
	}
	got := u.TakeAndReset()
	if len(got) != 6 || got[0] != 1 || got[5] != 2 {
		t.Errorf("TakeAndReset() = %v", got)
	}
	if u.Len() != 0 {
		t.Errorf("Len() after take = %d, want 0", u.Len())
	}
	u.Append(frameOf(1, 3))
	if got[0] != 1 {
		t.Error("taken samples were overwritten by a later append")
	}
}

func TestUtteranceAssembler_Truncate(t *testing.T) {
	u := audio.NewUtteranceAssembler(8)
	u.Append(audio.Frame{1, 2, 3, 4, 5})
	u.Truncate(3)
	got := u.TakeAndReset()
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("truncate kept %v, want first 3 samples", got)
	}

	u.Append(audio.Frame{1})
	u.Truncate(5)
	if u.Len() != 1 {
		t.Errorf("Truncate above length changed Len() to %d", u.Len())
	}
}

// ---- RMS --------------------------------------------------------------------

func TestNormalizeRMS(t *testing.T) {
	in := []float32{0.5, -0.5, 0.5, -0.5}
	out := audio.NormalizeRMS(in, 0.1)
	if got := audio.RMS(out); math.Abs(got-0.1) > 1e-6 {
		t.Errorf("RMS after normalize = %v, want 0.1", got)
	}
	if in[0] != 0.5 {
		t.Error("input mutated")
	}
}

func TestNormalizeRMS_SilencePassesThrough(t *testing.T) {
	in := make([]float32, 16)
	out := audio.NormalizeRMS(in, 0.1)
	for i, s := range out {
		if s != 0 || math.IsNaN(float64(s)) {
			t.Fatalf("sample %d = %v, want 0", i, s)
		}
	}
}

func TestDurations(t *testing.T) {
	if got := audio.FrameDuration(512, 16000); got != 32 {
		t.Errorf("FrameDuration = %v, want 32", got)
	}
	if got := audio.MillisToSamples(1000, 16000); got != 16000 {
		t.Errorf("MillisToSamples = %d, want 16000", got)
	}
	if got := frameOf(audio.FrameSize, 0).Duration().Milliseconds(); got != 32 {
		t.Errorf("Frame.Duration = %dms, want 32ms", got)
	}
}
