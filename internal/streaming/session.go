// Package streaming bridges a client websocket to a live transcription
// vendor and bills the session once when it ends.
//
// Each session runs three pumps: the client read pump relays audio frames
// upstream, the upstream pump turns vendor events into client events, and
// the write pump is the only goroutine that writes to the client. Whichever
// side closes first triggers finish, which runs exactly once.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/identity"
	"github.com/theramjad/hyperwhisper-fly/internal/ledger"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
)

// State is a session lifecycle state.
type State int32

const (
	Connecting State = iota
	Ready
	Streaming
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConn is the client side of a session. *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Biller schedules a charge. *ledger.Ledger satisfies it.
type Biller interface {
	Deduct(ctx context.Context, id identity.Identity, costUSD float64, ip string, u ledger.Usage) float64
}

// Params describe the caller of a session.
type Params struct {
	Identity   identity.Identity
	IP         string
	Language   string
	Vocabulary []string
	RequestID  string
}

// Summary is what a finished session billed.
type Summary struct {
	DurationSeconds float64
	CostUSD         float64
	Credits         float64
	Reason          string
}

type readyEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
}

type transcriptEvent struct {
	Type        string  `json:"type"`
	Text        string  `json:"text"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
}

type completeEvent struct {
	Type            string  `json:"type"`
	DurationSeconds float64 `json:"duration_seconds"`
	CreditsUsed     float64 `json:"credits_used"`
	CostUSD         float64 `json:"cost_usd"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type controlMessage struct {
	Type string `json:"type"`
}

var pingMessage = []byte(`{"type":"ping"}`)

// Session is one client/vendor pairing.
type Session struct {
	id      string
	params  Params
	cfg     Config
	manager *Manager
	log     *logger.Logger

	client   ClientConn
	upstream stt.LiveConn
	limiter  *rate.Limiter

	state          atomic.Int32
	clientOpen     atomic.Bool
	upstreamFailed atomic.Bool
	dropped        atomic.Int64

	out        chan []byte
	closing    chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	finishOnce sync.Once

	mu           sync.Mutex
	finalSeconds float64
	summary      Summary
}

func newSession(id string, m *Manager, client ClientConn, p Params) *Session {
	s := &Session{
		id:         id,
		params:     p,
		cfg:        m.cfg,
		manager:    m,
		log:        m.log.WithFields(logger.Fields(logger.FieldSessionID, id, logger.FieldRequestID, p.RequestID)),
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(m.cfg.MaxFramesPerSecond), m.cfg.FrameBurst),
		out:        make(chan []byte, m.cfg.SendBuffer),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.clientOpen.Store(true)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Done is closed once the session has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Summary returns the billing outcome. Valid after Done.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// send queues an event for the write pump. It gives up once the session
// is closing.
func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("Failed to encode client event", logger.Fields(logger.FieldError, err.Error()))
		return
	}
	select {
	case s.out <- data:
	case <-s.closing:
	}
}

func (s *Session) readPump() {
	for {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			s.clientOpen.Store(false)
			s.finish("client_closed", false)
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if s.upstreamFailed.Load() {
				continue
			}
			if !s.limiter.Allow() {
				if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
					s.log.Warn("Audio frame rate exceeded, dropping frames", logger.Fields("dropped", n))
				}
				continue
			}
			if err := s.upstream.Send(data); err != nil {
				s.upstreamLost("send", err)
			}
		case websocket.TextMessage:
			var msg controlMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch msg.Type {
			case "stop":
				if err := s.upstream.CloseSend(); err != nil {
					s.upstreamLost("close_send", err)
				}
			case "pong":
			}
		}
	}
}

func (s *Session) upstreamPump() {
	for {
		ev, err := s.upstream.Recv()
		if err != nil {
			if errors.Is(err, stt.ErrMalformedEvent) {
				s.log.Warn("Ignoring malformed upstream message", logger.Fields(logger.FieldError, err.Error()))
				continue
			}
			// The vendor socket is gone either way; only an unclean end is
			// reported to the client.
			reason := "upstream_closed"
			if !errors.Is(err, io.EOF) {
				reason = "upstream_error"
				s.upstreamLost("recv", err)
			}
			s.finish(reason, false)
			return
		}

		switch ev.Kind {
		case stt.LiveTranscript:
			if ev.IsFinal {
				s.mu.Lock()
				s.finalSeconds += ev.Duration
				s.mu.Unlock()
			}
			s.send(transcriptEvent{
				Type:        "transcript",
				Text:        ev.Text,
				IsFinal:     ev.IsFinal,
				SpeechFinal: ev.SpeechFinal,
				Start:       ev.Start,
				Duration:    ev.Duration,
			})
		case stt.LiveError:
			s.send(errorEvent{Type: "error", Code: string(apperrors.ErrCodeUpstreamProvider), Message: ev.Message})
		}
	}
}

// upstreamLost reports a vendor stream failure to the client once and stops
// relaying audio. The session keeps running until a socket closes.
func (s *Session) upstreamLost(op string, err error) {
	if !s.upstreamFailed.CompareAndSwap(false, true) {
		return
	}
	s.log.WithError(err).Warn("Upstream stream failed", logger.Fields(logger.FieldOperation, op))
	s.send(errorEvent{
		Type:    "error",
		Code:    string(apperrors.ErrCodeUpstreamProvider),
		Message: "live transcription upstream failed",
	})
}

func (s *Session) writePump() {
	defer close(s.writerDone)
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-s.out:
			if err := s.write(data); err != nil {
				s.clientOpen.Store(false)
				go s.finish("client_write_failed", true)
				return
			}
		case <-ticker.C:
			if err := s.write(pingMessage); err != nil {
				s.clientOpen.Store(false)
				go s.finish("client_write_failed", true)
				return
			}
		case <-s.closing:
			s.flush()
			return
		}
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (s *Session) write(data []byte) error {
	if d, ok := s.client.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return s.client.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever is still queued.
func (s *Session) flush() {
	for {
		select {
		case data := <-s.out:
			if s.write(data) != nil {
				s.clientOpen.Store(false)
				return
			}
		default:
			return
		}
	}
}

// finish settles the session exactly once: stop the writer, report the
// total to the client, schedule the charge, then close both sides.
func (s *Session) finish(reason string, fromWriter bool) {
	s.finishOnce.Do(func() {
		s.setState(Closing)
		close(s.closing)
		if !fromWriter {
			<-s.writerDone
		}

		s.mu.Lock()
		d := s.finalSeconds
		s.mu.Unlock()
		cost := pricing.AudioCost(d, s.cfg.PricePerMinute, 0)
		credits := s.manager.pricing.CreditsForCost(cost)

		if s.clientOpen.Load() {
			data, _ := json.Marshal(completeEvent{
				Type:            "session_complete",
				DurationSeconds: d,
				CreditsUsed:     credits,
				CostUSD:         cost,
			})
			_ = s.write(data)
		}

		if credits > 0 && s.manager.biller != nil {
			ctx := logger.ContextWithRequestID(context.Background(), s.params.RequestID)
			s.manager.biller.Deduct(ctx, s.params.Identity, cost, s.params.IP, ledger.Usage{
				RequestID: s.params.RequestID,
				Source:    s.manager.transcriber.Name(),
				Operation: "stream",
			})
		}

		if s.upstream != nil {
			_ = s.upstream.Close()
		}
		_ = s.client.Close()

		s.mu.Lock()
		s.summary = Summary{DurationSeconds: d, CostUSD: cost, Credits: credits, Reason: reason}
		s.mu.Unlock()

		s.setState(Closed)
		s.manager.sessionEnded(s, d, reason)
		s.log.Info("Stream session finished", logger.Fields(
			"reason", reason, "duration_seconds", d, logger.FieldCredits, credits, logger.FieldCostUSD, cost))
		close(s.done)
	})
}

// Close ends the session from outside, e.g. on shutdown.
func (s *Session) Close(reason string) {
	s.finish(reason, false)
}
