package audio

// UtteranceAssembler accumulates the samples of the utterance currently being
// captured. It enforces no upper bound itself; the segmentation state machine
// applies the length policy through [UtteranceAssembler.Truncate].
type UtteranceAssembler struct {
	samples []float32
}

// NewUtteranceAssembler returns an empty assembler with room for sizeHint
// samples before the first reallocation.
func NewUtteranceAssembler(sizeHint int) *UtteranceAssembler {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &UtteranceAssembler{samples: make([]float32, 0, sizeHint)}
}

// Append copies the samples of f onto the end of the utterance.
func (u *UtteranceAssembler) Append(f Frame) {
	u.samples = append(u.samples, f...)
}

// Len returns the number of accumulated samples.
func (u *UtteranceAssembler) Len() int { return len(u.samples) }

// Truncate keeps only the first n samples. It is a no-op when the utterance
// is already n samples or shorter.
func (u *UtteranceAssembler) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if len(u.samples) > n {
		u.samples = u.samples[:n]
	}
}

// TakeAndReset returns the accumulated samples and leaves the assembler
// empty. The returned slice is owned by the caller.
func (u *UtteranceAssembler) TakeAndReset() []float32 {
	out := u.samples
	u.samples = make([]float32, 0, cap(out))
	return out
}

// Reset discards the accumulated samples.
func (u *UtteranceAssembler) Reset() {
	u.samples = u.samples[:0]
}
