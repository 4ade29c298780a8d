package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/pkg/audio"
	"github.com/tonelab/tone/pkg/provider/model"
	modelmock "github.com/tonelab/tone/pkg/provider/model/mock"
	vadmock "github.com/tonelab/tone/pkg/provider/vad/mock"
	"github.com/tonelab/tone/pkg/types"
)

type message struct {
	typ  websocket.MessageType
	data []byte
}

// fakeConn replays scripted messages and records writes.
type fakeConn struct {
	mu       sync.Mutex
	in       []message
	writes   [][]byte
	closed   bool
	code     websocket.StatusCode
	writeErr error
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		return 0, nil, errors.New("fake: connection reset")
	}
	m := c.in[0]
	c.in = c.in[1:]
	return m.typ, m.data, nil
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	return nil
}

func binary(samples []float32) message {
	return message{typ: websocket.MessageBinary, data: audio.EncodeFloat32LE(samples)}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testConfig uses tiny frames so scripted VAD indices are easy to follow.
func testConfig() Config {
	return Config{
		SampleRate:    16000,
		FrameSize:     4,
		PreRollFrames: 2,
		MinSamples:    12,
		MaxSamples:    100,
	}
}

func TestSession_DispatchesUtteranceWithPreRoll(t *testing.T) {
	conn := &fakeConn{in: []message{
		binary(make([]float32, 10)), // frames 0,1 + 2 pending
		binary(make([]float32, 14)), // frames 2,3,4,5
		{typ: websocket.MessageBinary},
	}}
	vs := &vadmock.Session{Events: map[int]types.VADEventType{3: types.VADSpeechStart, 5: types.VADSpeechEnd}}
	be := &modelmock.Backend{Result: model.Result{Prediction: 1, Scores: []float32{0.2, 0.8}}}

	s := NewSession("s1", testConfig(), conn, vs, directDispatcher{be}, func(id int) string {
		return []string{"calm", "angry"}[id]
	}, testMetrics(t))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(conn.writes) != 1 {
		t.Fatalf("got %d replies, want 1", len(conn.writes))
	}
	var reply InferenceReply
	if err := json.Unmarshal(conn.writes[0], &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Type != ReplyInference || reply.Prediction != 1 || reply.Label != "angry" || len(reply.Scores) != 2 {
		t.Errorf("reply = %+v", reply)
	}
	// Two pre-roll frames (1, 2) plus frames 3..5.
	if got := len(be.Calls()[0].Waveform); got != 5*4 {
		t.Errorf("dispatched %d samples, want 20", got)
	}
	if !conn.closed || conn.code != websocket.StatusNormalClosure {
		t.Errorf("closed=%v code=%v, want normal closure", conn.closed, conn.code)
	}
	if !vs.Closed() {
		t.Error("vad session not closed")
	}
}

func TestSession_MalformedAndTextMessagesDropped(t *testing.T) {
	conn := &fakeConn{in: []message{
		{typ: websocket.MessageText, data: []byte(`{"hello":1}`)},
		{typ: websocket.MessageBinary, data: []byte{1, 2, 3}},
		binary(make([]float32, 8)),
	}}
	vs := &vadmock.Session{}
	s := NewSession("s2", testConfig(), conn, vs, directDispatcher{&modelmock.Backend{}}, nil, testMetrics(t))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := vs.FrameCount(); got != 2 {
		t.Errorf("VAD saw %d frames, want 2 (malformed chunk must not shift alignment)", got)
	}
	if len(conn.writes) != 0 {
		t.Errorf("got %d replies, want 0", len(conn.writes))
	}
}

func TestSession_DispatchErrorRepliesAndContinues(t *testing.T) {
	calls := 0
	be := &modelmock.Backend{InferFunc: func([]float32, int) (model.Result, error) {
		calls++
		if calls == 1 {
			return model.Result{}, errors.New("model crashed")
		}
		return model.Result{Prediction: 0, Scores: []float32{1}}, nil
	}}
	conn := &fakeConn{in: []message{
		binary(make([]float32, 4*8)),
	}}
	vs := &vadmock.Session{Events: map[int]types.VADEventType{
		0: types.VADSpeechStart, 3: types.VADSpeechEnd,
		4: types.VADSpeechStart, 7: types.VADSpeechEnd,
	}}
	s := NewSession("s3", testConfig(), conn, vs, directDispatcher{be}, nil, testMetrics(t))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(conn.writes) != 2 {
		t.Fatalf("got %d replies, want 2", len(conn.writes))
	}
	var errReply ErrorReply
	if err := json.Unmarshal(conn.writes[0], &errReply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if errReply.Type != ReplyError || errReply.Error == "" {
		t.Errorf("first reply = %+v, want error event", errReply)
	}
	var ok InferenceReply
	if err := json.Unmarshal(conn.writes[1], &ok); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok.Type != ReplyInference {
		t.Errorf("second reply type = %q, want inference", ok.Type)
	}
	if s.Replies() != 2 {
		t.Errorf("Replies() = %d, want 2", s.Replies())
	}
}

func TestSession_SentinelDiscardsInProgressUtterance(t *testing.T) {
	conn := &fakeConn{in: []message{
		binary(make([]float32, 4*6+3)), // six frames and a partial
		{typ: websocket.MessageBinary},
		binary(make([]float32, 4*6)), // never read
	}}
	vs := &vadmock.Session{Events: map[int]types.VADEventType{1: types.VADSpeechStart}}
	be := &modelmock.Backend{}
	s := NewSession("s4", testConfig(), conn, vs, directDispatcher{be}, nil, testMetrics(t))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(be.Calls()) != 0 || len(conn.writes) != 0 {
		t.Fatalf("calls=%d writes=%d, want none", len(be.Calls()), len(conn.writes))
	}
	if len(conn.in) != 1 {
		t.Errorf("session kept reading after sentinel")
	}
	if conn.code != websocket.StatusNormalClosure {
		t.Errorf("close code = %v, want 1000", conn.code)
	}
}

func TestSession_WriteFailureEndsSession(t *testing.T) {
	conn := &fakeConn{
		in:       []message{binary(make([]float32, 4*4))},
		writeErr: errors.New("broken pipe"),
	}
	vs := &vadmock.Session{Events: map[int]types.VADEventType{0: types.VADSpeechStart, 3: types.VADSpeechEnd}}
	be := &modelmock.Backend{Result: model.Result{Scores: []float32{1}}}
	s := NewSession("s5", testConfig(), conn, vs, directDispatcher{be}, nil, testMetrics(t))
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected write error")
	}
	if !vs.Closed() {
		t.Error("vad session not closed after failure")
	}
}

// directDispatcher calls the backend without the production dispatcher's
// breaker and semaphore.
type directDispatcher struct{ b model.Backend }

func (d directDispatcher) Dispatch(ctx context.Context, samples []float32, rate int) (model.Result, error) {
	return d.b.Infer(ctx, samples, rate)
}
