package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/agentrt/internal/a2a"
	"github.com/rendis/agentrt/internal/engine"
	"github.com/rendis/agentrt/internal/logging"
	"github.com/rendis/agentrt/internal/metrics"
	"github.com/rendis/agentrt/internal/push"
	"github.com/rendis/agentrt/internal/secrets"
	"github.com/rendis/agentrt/internal/skill"
	"github.com/rendis/agentrt/internal/store"
	"github.com/rendis/agentrt/internal/validation"
	"github.com/rendis/agentrt/pkg/mcp"
	"github.com/rendis/agentrt/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintln(os.Stderr, "agentd:", err)
			os.Exit(1)
		}
	case "reload":
		if !signalRunningServer(syscall.SIGHUP) {
			fmt.Fprintln(os.Stderr, "agentd: no running server")
			os.Exit(1)
		}
	case "stop":
		if !signalRunningServer(syscall.SIGTERM) {
			fmt.Fprintln(os.Stderr, "agentd: no running server")
			os.Exit(1)
		}
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "usage: agentd [serve|reload|stop|version]\n")
		os.Exit(2)
	}
}

func runServe() error {
	cfg := loadConfig()

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manifest, err := loadManifest(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	skills := skill.NewRegistry()
	for _, s := range builtinSkills() {
		if err := skills.Register(s); err != nil {
			return fmt.Errorf("register skill %s: %w", s.Name(), err)
		}
	}

	var (
		persister store.Persister
		db        *store.LibSQLStore
	)
	if cfg.DBPath != "" {
		if db, err = openStore(ctx, cfg.DBPath); err != nil {
			return err
		}
		defer closeStore(db, logger)
		persister = db
	}

	signer, err := newSigner(ctx, cfg, db, manifest.Agent.Name, logger)
	if err != nil {
		return fmt.Errorf("push signer: %w", err)
	}
	pushCfg := push.DefaultConfig()
	pushCfg.Issuer = cfg.pushIssuer()
	notifier := push.New(signer, pushCfg, logger)
	m := metrics.New()

	agentID := manifest.Agent.Name
	rt, err := engine.NewRuntime(cfg.runtimeConfig(agentID), engine.Deps{
		Skills:    skills,
		Persister: persister,
		Notifier:  notifier,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := rt.AddManifest(manifest); err != nil {
		return fmt.Errorf("apply manifest: %w", err)
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("compile request schemas: %w", err)
	}
	manager := a2a.NewTaskManager(rt, logger)
	card := a2a.CardInfo{Agent: manifest.Agent, URL: cfg.BaseURL, Push: true}
	srv := a2a.NewServer(a2a.ServerDeps{
		Manager:   manager,
		Validator: validator,
		Card:      func() schema.AgentCard { return a2a.NewCard(card, skills) },
		Notifier:  notifier,
		Metrics:   m,
		Logger:    logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           push.ChallengeHandler(signer, push.ChallengeTrust{Issuers: cfg.challengeIssuers()}, srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}
	if err := writePID(); err != nil {
		logger.Warn("pid file not written", "error", err)
	}
	defer removePID()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("agentd listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL, "agent", agentID, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.MCPStdio {
		mcpSrv := mcp.NewAgentServer(mcp.AgentServerDeps{
			Runtime: rt,
			Manager: manager,
			Name:    agentID,
			Version: version,
			Logger:  logger,
		})
		g.Go(func() error {
			logger.Info("mcp stdio server started")
			if err := mcpSrv.Serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		watchReload(gctx, cfg, level, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := rt.Stop(); err != nil {
			logger.Warn("runtime stop", "error", err)
		}
		notifier.Wait()
		return nil
	})

	return g.Wait()
}

// openStore opens and migrates the libSQL database at path.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, ":") {
		dsn = "file:" + dsn
	}
	db, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return db, nil
}

// closeStore compacts the database once the runtime has stopped writing.
func closeStore(db *store.LibSQLStore, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := db.Vacuum(ctx); err != nil {
		logger.Warn("vacuum database", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Warn("close database", "error", err)
	}
}

// newSigner loads the push signing key from the vault when persistence and
// a passphrase are configured; otherwise the key lives for this process only.
func newSigner(ctx context.Context, cfg Config, db *store.LibSQLStore, agentID string, logger *slog.Logger) (*push.Signer, error) {
	if db == nil || cfg.SecretPassphrase == "" {
		logger.Info("push signing key is ephemeral")
		return push.NewSigner()
	}
	vault, err := secrets.NewAESVault(db, secrets.VaultConfig{
		Passphrase: cfg.SecretPassphrase,
		Salt:       []byte("agentd:" + agentID),
	})
	if err != nil {
		return nil, err
	}
	s, err := push.LoadSigner(ctx, vault)
	if err != nil {
		return nil, err
	}
	logger.Info("push signing key loaded", "kid", s.KeyID())
	return s, nil
}

// watchReload re-reads the configuration on SIGHUP. The log level applies
// immediately; other changes are reported and wait for a restart.
func watchReload(ctx context.Context, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			d := diffConfigs(current, next)
			if d.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				logger.Info("log level changed", "level", next.LogLevel)
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("configuration changes need a restart", "fields", d.RestartNeeded)
			}
			current.LogLevel = next.LogLevel
		}
	}
}
