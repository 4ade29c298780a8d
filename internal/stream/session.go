// Package stream implements the streaming inference protocol over
// WebSocket.
//
// A client opens GET /v1/ws and sends binary messages carrying raw
// little-endian float32 PCM at 16 kHz mono. Messages may be any whole number
// of samples long; the session re-frames them into fixed VAD frames. For each
// utterance the VAD accepts, the server replies with one JSON text message:
//
//	{"type":"inference","prediction":3,"label":"happy","scores":[...]}
//
// A failed inference yields {"type":"error","error":"..."} and the session
// continues. A zero-length binary message ends the stream: buffered audio is
// discarded and the server closes with status 1000.
//
// Each session is handled by one goroutine and is fully serialized: the next
// message is not read until the reply to the previous utterance is written.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/tonelab/tone/internal/observe"
	"github.com/tonelab/tone/internal/segment"
	"github.com/tonelab/tone/pkg/audio"
	"github.com/tonelab/tone/pkg/provider/model"
	"github.com/tonelab/tone/pkg/provider/vad"
)

// Reply types.
const (
	ReplyInference = "inference"
	ReplyError     = "error"
)

// Conn is the subset of *websocket.Conn a Session uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dispatcher runs inference on a finalized utterance.
type Dispatcher interface {
	Dispatch(ctx context.Context, samples []float32, sampleRate int) (model.Result, error)
}

// InferenceReply is sent for every dispatched utterance.
type InferenceReply struct {
	Type       string    `json:"type"`
	Prediction int       `json:"prediction"`
	Label      string    `json:"label,omitempty"`
	Scores     []float32 `json:"scores"`
}

// ErrorReply is sent when inference for an utterance fails.
type ErrorReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Session is one streaming connection. It owns its frame accumulator,
// segmentation machine and VAD session; nothing is shared with other
// sessions except the dispatcher.
type Session struct {
	id         string
	cfg        Config
	conn       Conn
	vad        vad.SessionHandle
	acc        *audio.FrameAccumulator
	machine    *segment.Machine
	dispatcher Dispatcher
	labels     func(int) string
	metrics    *observe.Metrics
	log        *slog.Logger

	replies int
}

// NewSession wires a session around conn. The session takes ownership of
// vadSession and closes it when Run returns.
func NewSession(id string, cfg Config, conn Conn, vadSession vad.SessionHandle, d Dispatcher, labels func(int) string, m *observe.Metrics) *Session {
	cfg = cfg.withDefaults()
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Session{
		id:   id,
		cfg:  cfg,
		conn: conn,
		vad:  vadSession,
		acc:  audio.NewFrameAccumulator(cfg.FrameSize),
		machine: segment.New(segment.Config{
			FrameSize:     cfg.FrameSize,
			PreRollFrames: cfg.PreRollFrames,
			MinSamples:    cfg.MinSamples,
			MaxSamples:    cfg.MaxSamples,
		}, vadSession),
		dispatcher: d,
		labels:     labels,
		metrics:    m,
		log:        slog.With("session_id", id),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Replies returns the number of replies written so far.
func (s *Session) Replies() int { return s.replies }

// Run processes messages until the peer disconnects, sends the end-of-stream
// sentinel, or ctx is cancelled. Transport failures end the session and are
// not returned; only a failure to write a reply is reported.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	defer s.release(ctx)

	s.log.Info("stream session started")
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.logDisconnect(err)
			return nil
		}

		if typ != websocket.MessageBinary {
			s.log.Warn("ignoring non-binary message", "bytes", len(data))
			s.metrics.RecordDropped(ctx, "text")
			continue
		}

		if len(data) == 0 {
			s.log.Info("end of stream received",
				"discarded_samples", s.acc.Pending(),
				"discarded_utterance_samples", s.machine.Pending(),
				"replies", s.replies,
			)
			s.acc.Reset()
			_ = s.conn.Close(websocket.StatusNormalClosure, "end of stream")
			return nil
		}

		frames, err := s.acc.Push(data)
		if err != nil {
			s.log.Warn("dropping malformed chunk", "bytes", len(data), "err", err)
			s.metrics.RecordDropped(ctx, "malformed")
			continue
		}

		for _, f := range frames {
			if err := s.handleFrame(ctx, f); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, f audio.Frame) error {
	utt, outcome, err := s.machine.Process(f)
	if err != nil {
		s.log.Warn("vad failed, treating frame as silence", "err", err)
	}

	switch outcome {
	case segment.OutcomeTooShort:
		s.log.Debug("utterance below minimum length discarded")
		s.metrics.RecordUtterance(ctx, observe.OutcomeTooShort)
		return nil
	case segment.OutcomeReady:
		return s.dispatch(ctx, utt)
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context, utt segment.Utterance) error {
	if utt.Truncated {
		s.metrics.RecordUtterance(ctx, observe.OutcomeTruncated)
	}
	s.metrics.RecordUtterance(ctx, observe.OutcomeDispatched)

	log := s.log.With(
		"samples", len(utt.Samples),
		"duration", audio.SamplesDuration(len(utt.Samples), s.cfg.SampleRate),
		"pre_roll_frames", utt.PreRollFrames,
		"truncated", utt.Truncated,
	)

	res, err := s.dispatcher.Dispatch(ctx, utt.Samples, s.cfg.SampleRate)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Error("inference failed", "err", err)
		return s.write(ctx, ErrorReply{Type: ReplyError, Error: err.Error()})
	}

	reply := InferenceReply{
		Type:       ReplyInference,
		Prediction: res.Prediction,
		Scores:     res.Scores,
	}
	if s.labels != nil {
		reply.Label = s.labels(res.Prediction)
	}
	log.Info("utterance classified", "prediction", res.Prediction, "label", reply.Label)
	return s.write(ctx, reply)
}

func (s *Session) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: marshal reply: %w", err)
	}
	wctx := ctx
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}
	if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stream: write reply: %w", err)
	}
	s.replies++
	return nil
}

// release discards any in-progress utterance and closes the VAD session.
func (s *Session) release(ctx context.Context) {
	if s.machine.State() == segment.Capturing {
		s.metrics.RecordUtterance(context.WithoutCancel(ctx), observe.OutcomeAbandoned)
	}
	s.machine.Reset()
	s.acc.Reset()
	if s.vad != nil {
		if err := s.vad.Close(); err != nil {
			s.log.Warn("closing vad session", "err", err)
		}
	}
	s.log.Info("stream session ended", "replies", s.replies)
}

func (s *Session) logDisconnect(err error) {
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		s.log.Info("client closed stream", "status", status)
	case status != -1:
		s.log.Info("client closed stream with error status", "status", status, "err", err)
	case errors.Is(err, context.Canceled):
		s.log.Info("stream cancelled")
	default:
		s.log.Info("stream transport error", "err", err)
	}
}

// Config controls segmentation and transport limits for every session.
type Config struct {
	SampleRate      int
	FrameSize       int
	PreRollFrames   int
	MinSamples      int
	MaxSamples      int
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	OriginPatterns  []string
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.SampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = audio.FrameSize
	}
	if c.PreRollFrames < 0 {
		c.PreRollFrames = 0
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	return c
}
