package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/theramjad/hyperwhisper-fly/internal/component"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
)

// Component manages the store driver lifecycle.
type Component struct {
	cfg   Config
	log   *logger.Logger
	mu    sync.RWMutex
	redis *Redis
	store Store
}

var (
	_ component.Component   = (*Component)(nil)
	_ component.Describable = (*Component)(nil)
)

// NewComponent creates a store component. The driver is created on Start.
func NewComponent(cfg Config, log *logger.Logger) *Component {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Nop()
	}
	return &Component{cfg: cfg, log: log.WithComponent("store")}
}

func (c *Component) Name() string { return "store" }

// Start creates the driver and, for Redis, verifies connectivity.
func (c *Component) Start(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	var s Store
	switch c.cfg.Driver {
	case DriverMemory:
		c.log.Warn("Using in-memory store; balances and quotas are not shared across instances")
		s = NewMemory()
	default:
		r, err := NewRedis(c.cfg.Redis, c.log)
		if err != nil {
			return err
		}
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return fmt.Errorf("store start: %w", err)
		}
		c.redis = r
		s = r
	}

	c.mu.Lock()
	c.store = Prefixed(s, c.cfg.KeyPrefix)
	c.mu.Unlock()
	return nil
}

func (c *Component) Stop(context.Context) error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

func (c *Component) Health(ctx context.Context) component.Health {
	s := c.Store()
	if s == nil {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: "not started"}
	}
	if err := s.Ping(ctx); err != nil {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: err.Error()}
	}
	return component.Health{Name: c.Name(), Status: component.StatusHealthy}
}

func (c *Component) Describe() string {
	if c.cfg.Driver == DriverMemory {
		return "memory"
	}
	return fmt.Sprintf("redis %s db=%d", c.cfg.Redis.Addr, c.cfg.Redis.DB)
}

// Store returns the started store, or nil before Start.
func (c *Component) Store() Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}
