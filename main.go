package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polycopy/api"
	"polycopy/config"
	"polycopy/engine"
	"polycopy/models"
	"polycopy/server"
	"polycopy/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("POLYCOPY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := storage.NewPostgres()
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	// The CLOB client signs orders only in EOA mode; simulation and proxy
	// modes use it read-only for books and metadata.
	var auth *api.Auth
	if key := strings.TrimSpace(os.Getenv("POLYMARKET_PRIVATE_KEY")); key != "" {
		auth, err = api.NewAuth(key)
		if err != nil {
			log.Fatalf("failed to init wallet auth: %v", err)
		}
		log.Printf("[main] Signing as %s", auth.GetAddress().Hex())
	}

	clob := api.NewClobClient(api.ClobOptions{
		BaseURL:      cfg.Clob.BaseURL,
		DataURL:      cfg.Clob.DataURL,
		Timeout:      time.Duration(cfg.Clob.RequestTimeoutMS) * time.Millisecond,
		BookCacheTTL: time.Duration(cfg.Clob.BookCacheTTLMS) * time.Millisecond,
		BookRefresh:  time.Duration(cfg.Clob.BookRefreshMS) * time.Millisecond,
		MaxRetries:   cfg.Clob.MaxRetries,
	}, auth)
	clob.StartOrderBookCaching()
	defer clob.StopOrderBookCaching()

	budget := engine.NewBudgetTracker(cfg.Budget.MaxBudgetUSD)

	sim := engine.NewSimulationExecutor(clob, cfg.Engine.TakerFeeRate, cfg.Engine.MinFillRatio)
	minDelay := time.Duration(cfg.Engine.MinDelayMS) * time.Millisecond
	maxDelay := time.Duration(cfg.Engine.MaxDelayMS) * time.Millisecond
	if maxDelay > minDelay {
		sim.DelayFn = func() time.Duration {
			return minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)))
		}
	}

	strategies := map[models.ExecutionMode]engine.ExecutionStrategy{
		models.ExecutionSimulation: sim,
		models.ExecutionProxy: engine.NewProxyExecutor(
			cfg.Proxy.Endpoint, time.Duration(cfg.Proxy.TimeoutMS)*time.Millisecond),
	}
	if auth != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := clob.DeriveAPICreds(ctx)
		cancel()
		if err != nil {
			log.Printf("[main] API cred derivation failed, EOA mode disabled: %v", err)
		} else {
			strategies[models.ExecutionEOA] = engine.NewEOAExecutor(clob)
		}
	}

	profiles := make(map[models.StrategyProfile]engine.SpeedProfile, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		profiles[models.StrategyProfile(name)] = engine.SpeedProfile{
			Name:          name,
			MaxSpreadBps:  p.MaxSpreadBps,
			DepthLevels:   p.DepthLevels,
			MinDepthUSD:   p.MinDepthUSD,
			MinDepthRatio: p.MinDepthRatio,
		}
	}

	eng := engine.New(store, clob, clob, budget, strategies, profiles, engine.Options{
		MaxWorkers:      cfg.Engine.MaxWorkers,
		SignalTimeout:   time.Duration(cfg.Engine.SignalTimeoutMS) * time.Millisecond,
		MaxSignalAge:    time.Duration(cfg.Engine.MaxSignalAgeSec) * time.Second,
		MaxTradeSizeUSD: cfg.Budget.MaxTradeSizeUSD,
		AllowPartial:    cfg.Engine.AllowPartial,
	})
	settler := engine.NewSettler(store, eng.Metrics())

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := api.NewFeedClient(api.FeedOptions{
		URL:              cfg.Feed.URL,
		ServerSideFilter: cfg.Feed.ServerSideFilter,
		ReconnectBase:    time.Duration(cfg.Feed.ReconnectBaseMS) * time.Millisecond,
		ReconnectMax:     time.Duration(cfg.Feed.ReconnectMaxMS) * time.Millisecond,
		PingInterval:     time.Duration(cfg.Feed.PingIntervalSec) * time.Second,
	}, func(trade api.ActivityTrade, detectedAt time.Time) {
		signal := engine.NormalizeActivity(trade, detectedAt)
		clob.WatchToken(signal.TokenID)
		eng.HandleSignal(rootCtx, signal)
	}, func(res api.MarketResolution) {
		settler.HandleResolution(rootCtx, res)
	})

	traders, err := store.GetFollowedTraders(rootCtx)
	if err != nil {
		log.Fatalf("failed to load followed traders: %v", err)
	}
	if len(traders) == 0 {
		log.Println("[main] No active configs; feed will pass nothing until configs exist")
	}
	feed.SetFollowedAddresses(traders)

	if err := feed.Start(rootCtx); err != nil {
		log.Fatalf("failed to start activity feed: %v", err)
	}
	defer feed.Stop()

	// Periodically re-resolve the follow list so new configs take effect
	// without a restart.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if addrs, rerr := store.GetFollowedTraders(rootCtx); rerr == nil {
					feed.SetFollowedAddresses(addrs)
				}
			}
		}
	}()

	srv := server.New(
		cfg.Server.Port,
		time.Duration(cfg.Server.ReadTimeoutMS)*time.Millisecond,
		time.Duration(cfg.Server.WriteTimeoutMS)*time.Millisecond,
		store, eng, feed,
	)
	go func() {
		log.Printf("[main] Server starting on :%d", cfg.Server.Port)
		if serr := srv.Start(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			log.Fatalf("server error: %v", serr)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Run.DurationMinutes > 0 {
		select {
		case sig := <-sigCh:
			log.Printf("[main] Received %v, shutting down", sig)
		case <-time.After(time.Duration(cfg.Run.DurationMinutes) * time.Minute):
			log.Printf("[main] Session duration reached (%dm), shutting down", cfg.Run.DurationMinutes)
		}
	} else {
		sig := <-sigCh
		log.Printf("[main] Received %v, shutting down", sig)
	}

	cancel()
	feed.Stop()
	eng.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Server shutdown: %v", err)
	}

	log.Printf("[main] Session summary: %s", eng.Metrics().Snapshot().Summary())
}
