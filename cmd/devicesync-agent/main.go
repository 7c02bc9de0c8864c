package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/devicesync/internal/actions"
	"github.com/agentworkforce/devicesync/internal/client"
	"github.com/agentworkforce/devicesync/internal/config"
	"github.com/agentworkforce/devicesync/internal/device"
	"github.com/agentworkforce/devicesync/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("DEVICESYNC_CONFIG")), "agent TOML config path")
	deviceID := flag.String("device", "", "device id (overrides config and env)")
	relayURL := flag.String("relay-url", "", "relay base URL (overrides config and env)")
	token := flag.String("token", "", "bearer token (overrides config and env)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatalf("invalid environment: %v", err)
	}
	applyFlag(&cfg.DeviceID, *deviceID)
	applyFlag(&cfg.RelayURL, *relayURL)
	applyFlag(&cfg.Token, *token)

	a, err := newAgent(cfg, log.Default(), prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agent failed: %v", err)
	}
	log.Printf("devicesync agent stopped")
}

type agent struct {
	cfg      config.Agent
	logger   *log.Logger
	registry *prometheus.Registry
	client   *client.Client
	engine   *engine.Engine
	state    *device.StateDir
	outbox   *device.Outbox
	watcher  *device.Watcher
}

func newAgent(cfg config.Agent, logger *log.Logger, registry *prometheus.Registry) (*agent, error) {
	if cfg.TokenFile != "" {
		token, err := readToken(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		cfg.Token = token
	}
	relay, err := client.New(client.Options{
		BaseURL:        cfg.RelayURL,
		DeviceID:       cfg.DeviceID,
		Token:          cfg.Token,
		Logger:         logger,
		ReauthInterval: cfg.TokenReload,
	})
	if err != nil {
		return nil, err
	}
	state, err := device.NewStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	outbox, err := device.NewOutbox(cfg.OutboxFile, nil)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(relay, engine.Options{
		Logger:          logger,
		Metrics:         engine.NewMetrics(registry),
		PollInterval:    cfg.PollInterval,
		StalenessWindow: cfg.StalenessWindow,
		DebounceWindow:  cfg.DebounceWindow,
		PublishInterval: cfg.PublishInterval,
		Deliverer:       outbox,
		MaxRetries:      cfg.MaxRetries,
		Backoff:         engine.ExponentialBackoff(cfg.BackoffBase, cfg.BackoffMax),
		RescanInterval:  cfg.RescanInterval,
		MirrorCapacity:  cfg.MirrorCapacity,
		DedupCapacity:   cfg.DedupCapacity,
		DedupPolicy:     dedupPolicy(cfg.DedupPolicy),
	})
	if err != nil {
		return nil, err
	}
	for _, namespace := range cfg.Namespaces {
		if !actions.KnownNamespace(namespace) || namespace == actions.NamespaceScheduled {
			return nil, fmt.Errorf("unsupported namespace %q", namespace)
		}
		if err := eng.Register(state.Feature(namespace)); err != nil {
			return nil, err
		}
	}
	watcher, err := device.NewWatcher(eng, device.WatcherOptions{
		State:          state,
		InboxDir:       cfg.InboxDir,
		RescanInterval: cfg.RescanInterval,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return &agent{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		client:   relay,
		engine:   eng,
		state:    state,
		outbox:   outbox,
		watcher:  watcher,
	}, nil
}

// run starts every namespace, the filesystem watcher and the relay wake
// stream, and blocks until ctx is done.
func (a *agent) run(ctx context.Context) error {
	defer a.engine.Close()
	for _, namespace := range a.engine.Namespaces() {
		if err := a.engine.Start(namespace); err != nil {
			return fmt.Errorf("start %s: %w", namespace, err)
		}
	}
	for _, stream := range a.cfg.Streams {
		if _, err := a.engine.Mirror(stream); err != nil {
			return fmt.Errorf("mirror %s: %w", stream, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.watcher.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Printf("fs watcher stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.client.Watch(ctx, a.onRelayEvent); err != nil && ctx.Err() == nil {
			a.logger.Printf("relay stream stopped: %v", err)
		}
	}()
	if a.cfg.TokenFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.reloadToken(ctx)
		}()
	}
	if addr := strings.TrimSpace(a.cfg.MetricsAddr); addr != "" {
		server := &http.Server{Addr: addr, Handler: a.metricsHandler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = server.Shutdown(shutdownCtx)
		}()
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Printf("metrics server failed: %v", err)
			}
		}()
	}

	a.logger.Printf("devicesync agent %s running against %s (namespaces=%s)",
		a.cfg.DeviceID, a.cfg.RelayURL, strings.Join(a.engine.Namespaces(), ","))
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// reloadToken re-reads the token file until ctx is done. A changed token
// replaces the client's and wakes every namespace so polling resumes at once.
func (a *agent) reloadToken(ctx context.Context) {
	interval := a.cfg.TokenReload
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		token, err := readToken(a.cfg.TokenFile)
		if err != nil {
			a.logger.Printf("token reload: %v", err)
			continue
		}
		if token == a.client.Token() {
			continue
		}
		a.client.SetToken(token)
		a.logger.Printf("token reloaded from %s", a.cfg.TokenFile)
		a.engine.WakeAll()
	}
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

func (a *agent) onRelayEvent(event client.Event) {
	switch {
	case event.Namespace != "":
		a.engine.Wake(event.Namespace)
	default:
		a.engine.WakeAll()
	}
}

func (a *agent) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func dedupPolicy(name string) engine.EvictionPolicy {
	if name == "clear-all" {
		return engine.EvictClearAll
	}
	return engine.EvictOldest
}

func applyFlag(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}
