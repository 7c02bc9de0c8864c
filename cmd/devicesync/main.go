package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/devicesync/internal/httpapi"
	"github.com/agentworkforce/devicesync/internal/relay"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		if err := issueToken(os.Args[2:], os.Stdout); err != nil {
			log.Fatalf("issue token: %v", err)
		}
		return
	}

	addr := os.Getenv("DEVICESYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store := relay.NewStoreWithOptions(relay.StoreOptions{
		StateBackend:      stateBackend,
		StateFile:         os.Getenv("DEVICESYNC_STATE_FILE"),
		MaxQueuedCommands: intEnv("DEVICESYNC_MAX_QUEUED_COMMANDS", 0),
		MaxMirrorRecords:  intEnv("DEVICESYNC_MAX_MIRROR_RECORDS", 0),
		CommandTTL:        durationEnv("DEVICESYNC_COMMAND_TTL", 0),
		TerminalRetention: durationEnv("DEVICESYNC_TERMINAL_RETENTION", 0),
		JanitorInterval:   durationEnv("DEVICESYNC_JANITOR_INTERVAL", 0),
		Logger:            log.Default(),
	})
	defer store.Close()
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("DEVICESYNC_JWT_SECRET"),
		RateLimitMax:       intEnv("DEVICESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("DEVICESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("DEVICESYNC_MAX_BODY_BYTES", 0),
		StreamPingInterval: durationEnv("DEVICESYNC_STREAM_PING_INTERVAL", 0),
		Logger:             log.Default(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("devicesync relay listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("devicesync relay stopped")
}

// issueToken prints a signed bearer token for a device, a controller or an
// operator.
func issueToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	secret := fs.String("secret", os.Getenv("DEVICESYNC_JWT_SECRET"), "HS256 signing secret")
	deviceID := fs.String("device", "", "device id, or * for every device")
	clientName := fs.String("client", "", "client name recorded in the token")
	role := fs.String("role", "device", "device, controller or admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*secret) == "" {
		*secret = "dev-secret"
	}
	scopes, err := scopesForRole(*role)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*deviceID) == "" {
		return fmt.Errorf("--device is required")
	}
	name := strings.TrimSpace(*clientName)
	if name == "" {
		name = *role
	}
	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}
	token, err := httpapi.IssueToken(*secret, strings.TrimSpace(*deviceID), name, scopes, time.Now().Add(*ttl))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func scopesForRole(role string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "device":
		return httpapi.DeviceScopes, nil
	case "controller":
		return httpapi.ControllerScopes, nil
	case "admin":
		return append(append([]string{}, httpapi.ControllerScopes...), httpapi.ScopeAdminRead), nil
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStateBackendFromEnv() (relay.StateBackend, error) {
	profileStateDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("DEVICESYNC_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("DEVICESYNC_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return relay.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return relay.BuildStateBackendFromDSN(stateFile)
	case profileStateDSN != "":
		return relay.BuildStateBackendFromDSN(profileStateDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("DEVICESYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("DEVICESYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".devicesync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("DEVICESYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("DEVICESYNC_POSTGRES_DSN is required when DEVICESYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "relay.db"), nil
	case "file":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported DEVICESYNC_BACKEND_PROFILE: %s", profile)
	}
}
