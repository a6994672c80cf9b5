package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"url-sandbox/internal/config"
	"url-sandbox/internal/database"
	"url-sandbox/internal/jobstore"
	"url-sandbox/internal/pipeline"
	"url-sandbox/internal/render"
	"url-sandbox/internal/resolver"
	"url-sandbox/internal/sink"
)

// Version information
const (
	Version = "1.0.0"
	Module  = "url-sandbox"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	printBanner(cfg)

	if err := cfg.Validate(); err != nil {
		cfg.Logger.Errorf("Configuration validation failed: %v", err)
		os.Exit(1)
	}

	cfg.PrintConfig()

	// First signal cancels the context; workers finish their current job and exit
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Logger.Infof("Starting execution in %s mode", cfg.Mode)

	var execErr error
	switch cfg.Mode {
	case config.ModeSimple:
		execErr = runSimpleMode(ctx, cfg)
	case config.ModeStreaming:
		execErr = runStreamingMode(ctx, cfg)
	default:
		cfg.Logger.Errorf("Unknown execution mode: %s", cfg.Mode)
		os.Exit(1)
	}

	if execErr != nil {
		cfg.Logger.Errorf("Execution failed: %v", execErr)
		os.Exit(1)
	}

	cfg.Logger.Infof("✅ %s finished", Module)
}

// runSimpleMode analyses TEST_URL once and prints the result as JSON
func runSimpleMode(ctx context.Context, cfg *config.Config) error {
	cfg.Logger.Info("=== Simple Mode Execution ===")

	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		return err
	}

	store := jobstore.NewMemoryStore()
	job, err := store.Enqueue(ctx, cfg.TestURL, "")
	if err != nil {
		return fmt.Errorf("invalid TEST_URL: %w", err)
	}

	worker := pipeline.NewWorker(1, store, analyzer, buildSink(cfg), pipeline.WorkerConfig{}, nil, cfg.Logger)
	if _, err := worker.RunOnce(ctx); err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	done, err := store.Get(context.Background(), job.ID)
	if err != nil {
		return err
	}
	if done.Result == nil {
		return fmt.Errorf("analysis failed: %s", done.Error)
	}

	out, err := json.MarshalIndent(done.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// runStreamingMode consumes the Redis job queue until shutdown
func runStreamingMode(ctx context.Context, cfg *config.Config) error {
	cfg.Logger.Info("=== Streaming Mode Execution ===")

	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		return err
	}

	store, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, u := range cfg.EnqueueURLs {
		job, err := store.Enqueue(ctx, u, "")
		if err != nil {
			cfg.Logger.Warnf("Failed to enqueue %s: %v", u, err)
			continue
		}
		cfg.Logger.Infof("Enqueued %s as job %s", u, job.ID)
	}

	pool := pipeline.NewPool(cfg.WorkerCount, store, analyzer, buildSink(cfg), pipeline.WorkerConfig{
		PollInterval:       cfg.PollInterval,
		StoreRetryInterval: cfg.StoreRetryInterval,
	}, cfg.Logger)

	return pool.Run(ctx)
}

// connectStore retries until Redis is reachable or ctx ends
func connectStore(ctx context.Context, cfg *config.Config) (*jobstore.RedisStore, error) {
	for {
		store, err := jobstore.NewRedisStore(ctx, cfg)
		if err == nil {
			return store, nil
		}
		cfg.Logger.Warnf("%v; retrying in %s", err, cfg.StoreRetryInterval)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.StoreRetryInterval):
		}
	}
}

func buildAnalyzer(cfg *config.Config) (*pipeline.Analyzer, error) {
	dnsClient, err := resolver.NewRetryableDNS(cfg.DNSResolvers, cfg.DNSRetries, cfg.DNSTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS client: %w", err)
	}

	var geo resolver.Geolocator
	if cfg.GeoAPIKey != "" {
		geo = resolver.NewIPWhoClient(cfg.GeoAPIKey, cfg.GeoRateLimit, cfg.GeoTimeout)
	} else {
		cfg.Logger.Warn("IP_GEOLOCATION_API_KEY not set, geolocation enrichment disabled")
	}

	known := resolver.NewDomainList()
	if cfg.PhishingDomainsFile != "" {
		if known, err = resolver.LoadDomainList(cfg.PhishingDomainsFile); err != nil {
			return nil, fmt.Errorf("failed to load phishing domains: %w", err)
		}
		cfg.Logger.Infof("Loaded %d known phishing domains", known.Len())
	}

	res := resolver.New(resolver.Options{
		DNS:           dnsClient,
		Geolocator:    geo,
		Known:         known,
		Logger:        cfg.Logger,
		LookupTimeout: lookupTimeout(cfg),
	})

	screenshotDir := ""
	if cfg.Screenshots {
		screenshotDir = cfg.ScreenshotDir
	}
	session := render.NewSession(render.NewRodEngine(cfg.ChromeBin, cfg.Logger), render.SessionConfig{
		Timeout:       cfg.RenderTimeout(),
		SettleDelay:   cfg.SettleDelay,
		ScreenshotDir: screenshotDir,
		Classifier:    res.IsSuspicious,
	}, cfg.Logger)

	return pipeline.NewAnalyzer(session, res, cfg.Logger), nil
}

// lookupTimeout covers every DNS retry, or one geolocation request if that is longer
func lookupTimeout(cfg *config.Config) time.Duration {
	d := cfg.DNSTimeout * time.Duration(cfg.DNSRetries+1)
	if cfg.GeoTimeout > d {
		d = cfg.GeoTimeout
	}
	return d
}

func buildSink(cfg *config.Config) sink.Sink {
	multi := sink.NewMulti(cfg.Logger)
	if cfg.APIEndpoint != "" {
		multi.Add("api", sink.NewHTTP(cfg.APIEndpoint, cfg.SinkTimeout, cfg.Logger))
	}
	if cfg.SupabaseURL != "" {
		client := database.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SinkTimeout)
		multi.Add("supabase", sink.NewSupabase(database.NewRepository(client, cfg.Logger)))
	}
	if multi.Len() == 0 {
		cfg.Logger.Warn("No result sink configured, results are only kept in the job store")
		return nil
	}
	return multi
}

// printBanner displays the module banner
func printBanner(cfg *config.Config) {
	banner := fmt.Sprintf(`
╔════════════════════════════════════════════════════════════╗
║              URL SANDBOX ANALYSIS WORKER                   ║
╠════════════════════════════════════════════════════════════╣
║  Version: %-49s ║
║  Mode: %-52s ║
╚════════════════════════════════════════════════════════════╝
`, Version, cfg.Mode)

	fmt.Println(banner)
}
