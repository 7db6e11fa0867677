// Command telemetry-core runs the ingest, feed, and admin HTTP listeners:
// nodes report block and consensus telemetry on the ingest port,
// dashboards subscribe to the coalesced feed port, and /healthz +
// /metrics serve on the admin port.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/chainscope/telemetry-aggregator/internal/aggregator"
	"github.com/chainscope/telemetry-aggregator/internal/config"
	"github.com/chainscope/telemetry-aggregator/internal/feed"
	"github.com/chainscope/telemetry-aggregator/internal/httpapi"
	"github.com/chainscope/telemetry-aggregator/internal/ingest"
	"github.com/chainscope/telemetry-aggregator/internal/locator"
	"github.com/chainscope/telemetry-aggregator/internal/logging"
	"github.com/chainscope/telemetry-aggregator/internal/nodeid"
	"github.com/chainscope/telemetry-aggregator/internal/obsv"
	"github.com/chainscope/telemetry-aggregator/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogFields(logger)

	selfStat, err := obsv.NewSelfStat(cfg.SelfStatSampleEvery, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start self-process stat sampler")
	}
	defer selfStat.Close()

	nodeIDs := nodeid.New(cfg.NodeIDTTL)
	defer nodeIDs.Close()

	locators := locator.New(locator.NullProvider{}, cfg.LocatorCacheTTL, cfg.LocatorSweepEvery)
	defer locators.Close()

	ingestLimiter := ratelimit.New(cfg.IngestRatePerSec, cfg.IngestRateBurst, 5*time.Minute, logger)
	defer ingestLimiter.Close()
	feedLimiter := ratelimit.New(cfg.FeedRatePerSec, cfg.FeedRateBurst, 5*time.Minute, logger)
	defer feedLimiter.Close()

	agg := aggregator.New(nodeIDs, locators, cfg.BlockUpdateThrottle, cfg.IngestTimeout, cfg.NoBlockTimeout, logger)

	ingestSrv := &ingest.Server{
		Aggregator:      chainRegistrar{agg},
		Admission:       obsv.NewAdmissionGate("ingest", ingestLimiter, selfStat, cfg.IngestCPURejectPct),
		Logger:          logger,
		HelloTimeout:    cfg.HelloTimeout,
		IngestTimeout:   cfg.IngestTimeout,
		NoBlockTimeout:  cfg.NoBlockTimeout,
		PreHelloBacklog: cfg.PreHelloBacklog,
	}

	feedSrv := &feed.Server{
		Router:    agg,
		Admission: obsv.NewAdmissionGate("feed", feedLimiter, selfStat, cfg.IngestCPURejectPct),
		Logger:    logger,
	}

	ingestHTTP := &http.Server{Addr: cfg.IngestAddr, Handler: ingestSrv}
	feedHTTP := &http.Server{Addr: cfg.FeedAddr, Handler: feedSrv}
	adminHTTP := &http.Server{Addr: cfg.HTTPAddr, Handler: httpapi.NewMux(agg, logger)}

	go listenAndLog(ingestHTTP, logger, "ingest")
	go listenAndLog(feedHTTP, logger, "feed")
	go listenAndLog(adminHTTP, logger, "http")

	tickDone := make(chan struct{})
	go tickLoop(agg, cfg.TickInterval, logger, tickDone)

	blockFlushDone := make(chan struct{})
	go blockFlushLoop(agg, cfg.BlockUpdateThrottle, blockFlushDone)

	logger.Info().
		Str("ingest_addr", cfg.IngestAddr).
		Str("feed_addr", cfg.FeedAddr).
		Str("http_addr", cfg.HTTPAddr).
		Msg("telemetry aggregator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	close(tickDone)
	close(blockFlushDone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{ingestHTTP, feedHTTP, adminHTTP} {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("listener shutdown did not complete cleanly")
		}
	}
	logger.Info().Msg("shutdown complete")
}

func listenAndLog(srv *http.Server, logger zerolog.Logger, name string) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Str("listener", name).Msg("listener failed")
	}
}

// tickLoop drives the aggregator's periodic liveness/staleness sweep
// until done is closed.
func tickLoop(agg *aggregator.Aggregator, every time.Duration, logger zerolog.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			timedOut := agg.Tick(now)
			for _, t := range timedOut {
				obsv.NodesTimedOut.Inc()
				logger.Debug().
					Str("chain", t.ChainLabel).
					Uint64("node_id", t.NodeID).
					Msg("node timed out")
			}
		case <-done:
			return
		}
	}
}

// blockFlushLoop drives the finer-grained best-block flush on its own
// BlockUpdateThrottle-interval ticker, separate from tickLoop's 10s
// sweep, so a coalesced block update is never held back past its own
// throttle window.
func blockFlushLoop(agg *aggregator.Aggregator, every time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			agg.FlushDeferredBlocks(now)
		case <-done:
			return
		}
	}
}

// chainRegistrar adapts *aggregator.Aggregator to ingest.Registrar: the
// ingest package cannot import aggregator directly (aggregator already
// depends on ingest's frame types), so this thin wrapper, which can
// import both, closes the gap.
type chainRegistrar struct {
	agg *aggregator.Aggregator
}

func (r chainRegistrar) RegisterNode(ip string, c ingest.Connected, now time.Time) ingest.Handle {
	return r.agg.RegisterNode(ip, c, now)
}
