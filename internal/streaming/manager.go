package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/theramjad/hyperwhisper-fly/internal/component"
	apperrors "github.com/theramjad/hyperwhisper-fly/internal/errors"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/pricing"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
)

// ErrManagerStopped is returned by Serve after Stop.
var ErrManagerStopped = errors.New("streaming: manager stopped")

// Config controls live sessions.
type Config struct {
	// PricePerMinute is what streamed audio costs, applied to finalized
	// seconds only.
	PricePerMinute     float64       `mapstructure:"price_per_minute" validate:"gte=0"`
	SampleRate         int           `mapstructure:"sample_rate" validate:"gte=0"`
	Channels           int           `mapstructure:"channels" validate:"gte=0"`
	KeepaliveInterval  time.Duration `mapstructure:"keepalive_interval"`
	MaxFramesPerSecond float64       `mapstructure:"max_frames_per_second" validate:"gte=0"`
	FrameBurst         int           `mapstructure:"frame_burst" validate:"gte=0"`
	SendBuffer         int           `mapstructure:"send_buffer" validate:"gte=0"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.PricePerMinute <= 0 {
		c.PricePerMinute = 0.0077
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 20 * time.Second
	}
	if c.MaxFramesPerSecond <= 0 {
		c.MaxFramesPerSecond = 50
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 100
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Manager owns every live session in the process.
type Manager struct {
	transcriber stt.LiveTranscriber
	biller      Biller
	pricing     pricing.Model
	cfg         Config
	metrics     *observability.Collector
	log         *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
	wg       sync.WaitGroup
}

var (
	_ component.Component   = (*Manager)(nil)
	_ component.Describable = (*Manager)(nil)
)

// NewManager creates a manager. biller may be nil in which case sessions
// are never charged.
func NewManager(transcriber stt.LiveTranscriber, biller Biller, model pricing.Model, cfg Config, metrics *observability.Collector, log *logger.Logger) *Manager {
	cfg.ApplyDefaults()
	model.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		transcriber: transcriber,
		biller:      biller,
		pricing:     model,
		cfg:         cfg,
		metrics:     metrics,
		log:         log.WithComponent("streaming"),
		sessions:    make(map[string]*Session),
	}
}

// Serve runs one session to completion. It returns once the session has
// been billed and both connections are closed.
func (m *Manager) Serve(ctx context.Context, client ClientConn, p Params) error {
	if m.isStopped() {
		writeError(client, apperrors.Internal(ErrManagerStopped))
		_ = client.Close()
		return ErrManagerStopped
	}

	s := newSession(uuid.NewString(), m, client, p)
	upstream, err := m.transcriber.Connect(ctx, stt.LiveOptions{
		Language:   p.Language,
		Vocabulary: p.Vocabulary,
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
		RequestID:  p.RequestID,
	})
	if err != nil {
		s.log.Warn("Upstream connect failed", logger.Fields(logger.FieldVendor, m.transcriber.Name(), logger.FieldError, err.Error()))
		writeError(client, err)
		_ = client.Close()
		s.setState(Closed)
		close(s.done)
		if m.metrics != nil {
			m.metrics.StreamSessions.WithLabelValues("connect_failed").Inc()
		}
		return err
	}
	s.upstream = upstream
	s.setState(Ready)
	if m.metrics != nil {
		m.metrics.ActiveStreams.Inc()
	}

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		s.writePump()
	}()

	if err := m.register(s); err != nil {
		s.send(errorEvent{Type: "error", Code: string(apperrors.ErrCodeInternal), Message: err.Error()})
		s.finish("shutdown", false)
		pumps.Wait()
		return err
	}
	defer m.wg.Done()

	s.log.Info("Stream session started", logger.Fields(
		logger.FieldVendor, m.transcriber.Name(),
		logger.FieldIdentity, p.Identity.Kind.String(),
		logger.FieldClientIP, p.IP,
	))
	s.send(readyEvent{Type: "ready", RequestID: p.RequestID, SessionID: s.id})
	s.setState(Streaming)

	pumps.Add(1)
	go func() {
		defer pumps.Done()
		s.upstreamPump()
	}()

	s.readPump()
	<-s.done
	pumps.Wait()
	return nil
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	return nil
}

func (m *Manager) sessionEnded(s *Session, seconds float64, reason string) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	if m.metrics == nil {
		return
	}
	m.metrics.ActiveStreams.Dec()
	m.metrics.StreamSeconds.Add(seconds)
	m.metrics.StreamSessions.WithLabelValues(reason).Inc()
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func writeError(client ClientConn, err error) {
	ev := errorEvent{Type: "error", Message: err.Error()}
	if appErr, ok := apperrors.AsAppError(err); ok {
		ev.Code = string(appErr.Code)
		ev.Message = appErr.Message
	}
	data, _ := json.Marshal(ev)
	_ = client.WriteMessage(websocket.TextMessage, data)
}

// Name implements component.Component.
func (m *Manager) Name() string { return "stream-manager" }

// Start implements component.Component.
func (m *Manager) Start(context.Context) error { return nil }

// Stop closes every open session, billing what each streamed, and waits
// for them to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.Close("shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("streaming: %d sessions still open: %w", m.Active(), ctx.Err())
	}
}

// Health implements component.Component.
func (m *Manager) Health(context.Context) component.Health {
	if m.isStopped() {
		return component.Health{Name: m.Name(), Status: component.StatusUnhealthy, Message: "stopped"}
	}
	return component.Health{Name: m.Name(), Status: component.StatusHealthy, Message: fmt.Sprintf("%d active sessions", m.Active())}
}

// Describe implements component.Describable.
func (m *Manager) Describe() string {
	return fmt.Sprintf("vendor=%s price_per_minute=%g keepalive=%s", m.transcriber.Name(), m.cfg.PricePerMinute, m.cfg.KeepaliveInterval)
}
