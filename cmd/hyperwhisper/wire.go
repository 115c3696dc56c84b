package main

import (
	"context"
	"fmt"

	"github.com/theramjad/hyperwhisper-fly/internal/api"
	"github.com/theramjad/hyperwhisper-fly/internal/bootstrap"
	"github.com/theramjad/hyperwhisper-fly/internal/correction"
	"github.com/theramjad/hyperwhisper-fly/internal/correction/chat"
	"github.com/theramjad/hyperwhisper-fly/internal/identity"
	"github.com/theramjad/hyperwhisper-fly/internal/ledger"
	"github.com/theramjad/hyperwhisper-fly/internal/license"
	"github.com/theramjad/hyperwhisper-fly/internal/logger"
	"github.com/theramjad/hyperwhisper-fly/internal/observability"
	"github.com/theramjad/hyperwhisper-fly/internal/ratelimit"
	"github.com/theramjad/hyperwhisper-fly/internal/server"
	"github.com/theramjad/hyperwhisper-fly/internal/store"
	"github.com/theramjad/hyperwhisper-fly/internal/streaming"
	"github.com/theramjad/hyperwhisper-fly/internal/stt"
	"github.com/theramjad/hyperwhisper-fly/internal/stt/deepgram"
	"github.com/theramjad/hyperwhisper-fly/internal/stt/elevenlabs"
	"github.com/theramjad/hyperwhisper-fly/internal/stt/groq"
)

// wire builds the business layer on top of the running store and attaches
// the dispatcher, stream manager and HTTP server, in that order, so they
// stop in reverse: server first, then live sessions, then the billing queue.
func wire(ctx context.Context, app *bootstrap.App[*Config], st store.Store, sink ledger.UsageSink, metrics *observability.Collector) error {
	cfg := app.Cfg
	log := app.Logger
	if st == nil {
		return fmt.Errorf("store is not running")
	}

	var authority license.Authority
	if cfg.License.BaseURL != "" {
		client, err := license.NewClient(cfg.License, metrics, log)
		if err != nil {
			return err
		}
		authority = client
	} else {
		log.Warn("No license authority configured; license keys will be rejected")
	}

	resolver := identity.NewResolver(st, authority, cfg.Identity, log)
	limiter := ratelimit.New(st, cfg.RateLimit, log)
	led := ledger.New(ledger.Deps{
		Pricing:   cfg.Pricing,
		Devices:   resolver.Devices(),
		Limiter:   limiter,
		Authority: authority,
		Licenses:  resolver,
		Sink:      sink,
		Metrics:   metrics,
	}, cfg.Ledger, log)

	dg, err := deepgram.New(cfg.STT.Deepgram, metrics, log)
	if err != nil {
		return err
	}
	gq, err := groq.New(cfg.STT.Groq, metrics, log)
	if err != nil {
		return err
	}
	el, err := elevenlabs.New(cfg.STT.ElevenLabs, metrics, log)
	if err != nil {
		return err
	}
	transcriber, err := stt.NewOrchestrator(cfg.STT.Config, metrics, log, dg, gq, el)
	if err != nil {
		return err
	}

	primary, err := chat.New(cfg.Correction.Primary, metrics, log)
	if err != nil {
		return err
	}
	secondary, err := chat.New(cfg.Correction.Secondary, metrics, log)
	if err != nil {
		return err
	}
	corrector := correction.NewOrchestrator(cfg.Correction.Config, primary, secondary, metrics, log)

	streams := streaming.NewManager(dg, led, cfg.Pricing, cfg.Streaming, metrics, log)

	srv := server.New(cfg.Server, log)
	srv.ApplyMiddleware(metrics)
	srv.RegisterDefaultEndpoints(cfg.Name, app.Components.HealthAll, metrics)
	api.New(api.Deps{
		Resolver:  resolver,
		Billing:   led,
		Limiter:   limiter,
		Blocklist: ratelimit.NewBlocklist(st, log),
		STT:       transcriber,
		Corrector: corrector,
		Streams:   streams,
	}, cfg.API, log).Register(srv.GinEngine())

	app.OnReady(func(context.Context) error {
		log.Info("Gateway accepting traffic", logger.Fields(
			"addr", srv.Addr(),
			"license_authority", authority != nil,
			"stt_default", cfg.STT.Default,
		))
		return nil
	})

	if err := app.Components.Attach(ctx, led.Dispatcher()); err != nil {
		return err
	}
	if err := app.Components.Attach(ctx, streams); err != nil {
		return err
	}
	return app.Components.Attach(ctx, server.NewComponent(srv))
}
