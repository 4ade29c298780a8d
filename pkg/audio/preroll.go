package audio

// PreRollFrames returns how many whole frames fit into preRollMs given a
// frame duration of frameMs milliseconds. 100 ms of pre-roll with 32 ms
// frames yields 3.
func PreRollFrames(preRollMs int, frameMs float64) int {
	if preRollMs <= 0 || frameMs <= 0 {
		return 0
	}
	return int(float64(preRollMs) / frameMs)
}

// PreRollRing keeps the most recent frames seen before speech onset so the
// start of an utterance is not clipped by VAD detection latency.
//
// The ring has fixed capacity; appending to a full ring evicts the oldest
// frame. A ring with capacity zero accepts appends and always drains empty.
type PreRollRing struct {
	frames []Frame
	head   int // index of the oldest frame
	size   int
}

// NewPreRollRing returns an empty ring holding at most capacity frames.
func NewPreRollRing(capacity int) *PreRollRing {
	if capacity < 0 {
		capacity = 0
	}
	return &PreRollRing{frames: make([]Frame, capacity)}
}

// Append stores f, evicting the oldest frame when the ring is full.
func (r *PreRollRing) Append(f Frame) {
	c := len(r.frames)
	if c == 0 {
		return
	}
	cp := make(Frame, len(f))
	copy(cp, f)

	if r.size < c {
		r.frames[(r.head+r.size)%c] = cp
		r.size++
		return
	}
	r.frames[r.head] = cp
	r.head = (r.head + 1) % c
}

// Drain returns the buffered frames oldest first and empties the ring.
func (r *PreRollRing) Drain() []Frame {
	if r.size == 0 {
		return nil
	}
	c := len(r.frames)
	out := make([]Frame, r.size)
	for i := range r.size {
		idx := (r.head + i) % c
		out[i] = r.frames[idx]
		r.frames[idx] = nil
	}
	r.head = 0
	r.size = 0
	return out
}

// Len returns the number of buffered frames.
func (r *PreRollRing) Len() int { return r.size }

// Cap returns the fixed capacity of the ring.
func (r *PreRollRing) Cap() int { return len(r.frames) }
