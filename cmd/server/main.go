package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openai118/flowslide-core/internal/api"
	"github.com/openai118/flowslide-core/internal/backup"
	"github.com/openai118/flowslide-core/internal/config"
	"github.com/openai118/flowslide-core/internal/control"
	"github.com/openai118/flowslide-core/internal/logger"
	"github.com/openai118/flowslide-core/internal/mode"
	"github.com/openai118/flowslide-core/internal/policy"
	"github.com/openai118/flowslide-core/internal/record"
	"github.com/openai118/flowslide-core/internal/store"
	syncengine "github.com/openai118/flowslide-core/internal/sync"
	"github.com/openai118/flowslide-core/internal/transition"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return 1
	}

	if err := logger.InitLogger(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Log.Info("Starting FlowSlide sync core", zap.String("config", cfg.String()))

	if (cfg.HasExternal() || cfg.HasR2()) && cfg.EncryptionKey == "" {
		logger.Log.Error("SYNC_ENCRYPTION_KEY is required when sensitive types sync to a peer")
		return 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LocalDBPath), 0o700); err != nil {
		logger.Log.Error("Failed to create data directory", zap.Error(err))
		return 1
	}
	local, err := store.NewLocalStore(cfg.LocalDBPath)
	if err != nil {
		logger.Log.Error("Failed to open local store", zap.Error(err))
		return 1
	}
	defer local.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startMode := record.ModeFor(cfg.HasExternal(), cfg.HasR2())
	peers, err := buildPeers(ctx, cfg, startMode)
	if err != nil {
		logger.Log.Error("Failed to reach configured peers", zap.Error(err))
		return 1
	}

	var override record.Mode
	if cfg.DeploymentMode != "" {
		override, err = record.ParseMode(cfg.DeploymentMode)
		if err != nil {
			logger.Log.Error("Invalid DEPLOYMENT_MODE", zap.Error(err))
			return 1
		}
	}
	detector := mode.New(peers.ExternalPinger(), peers.ObjectPinger(), override)

	registry := policy.NewRegistry(policy.Overrides{
		SyncEnabled: cfg.EnableDataSync,
		Interval:    cfg.SyncInterval,
		Directions:  directionSet(cfg),
	})

	engine := syncengine.NewEngine(local, peers.External, peers.Object, local, registry, cfg.ExternalMaxConn)

	backups := backup.NewEngine(local, peers.ObjClient, local, cfg.R2BucketName, cfg.RetentionWindow(), detector.Current)
	if peers.ObjClient != nil {
		if err := backups.Schedule(cfg.BackupSchedule); err != nil {
			logger.Log.Error("Failed to start backup schedule", zap.Error(err))
			return 1
		}
		defer backups.Stop()
	}

	transitions := transition.NewManager(local, engine, backups, detector, buildPeers, cfg, peers)

	configSync := syncengine.NewConfigService(local, peers.External, syncengine.CriticalInterval)
	if err := configSync.SeedFromEnv(ctx, cfg); err != nil {
		logger.Log.Error("Failed to seed settings", zap.Error(err))
		return 1
	}
	go consumeConfigUpdates(ctx, configSync)

	modeCh, unsubscribe := detector.Subscribe()
	defer unsubscribe()
	go engine.Run(ctx, modeCh)
	go detector.Run(ctx)
	go configSync.Run(ctx)

	svc := control.NewService(detector, engine, backups, transitions)

	restart := make(chan struct{}, 1)
	handler := api.NewHandler(svc, cfg.AuthToken, func() {
		select {
		case restart <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{Addr: addr, Handler: handler.Routes()}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case <-restart:
		logger.Log.Info("Restore complete, restart requested")
		exitCode = 42
	}

	logger.Log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	stop()
	return exitCode
}

// sensitiveTypes is the critical set, which is the set the policy table
// marks sensitive: payloads of these types are encrypted before leaving
// the local process.
func sensitiveTypes() map[string]bool {
	out := map[string]bool{}
	for _, t := range record.CriticalTypes() {
		out[t] = true
	}
	return out
}

func directionSet(cfg *config.Config) map[string]bool {
	if cfg.SyncDirections == "" {
		return nil
	}
	return cfg.SyncDirectionSet()
}

// buildPeers constructs and probes the adapters a mode requires. It
// doubles as the transition manager's peer factory.
func buildPeers(ctx context.Context, cfg *config.Config, target record.Mode) (transition.Peers, error) {
	cipher, err := store.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return transition.Peers{}, err
	}
	sensitive := sensitiveTypes()

	var peers transition.Peers
	if target.HasExternal() {
		external, err := store.NewExternalStore(ctx, cfg.DatabaseURL, cfg.ExternalMaxConn, cipher, sensitive)
		if err != nil {
			return transition.Peers{}, err
		}
		peers.External = external
	}
	if target.HasObjectStore() {
		object, err := store.NewObjectStore(store.ObjectStoreConfig{
			Endpoint:  cfg.R2Endpoint,
			AccessKey: cfg.R2AccessKeyID,
			SecretKey: cfg.R2SecretAccessKey,
			Bucket:    cfg.R2BucketName,
		}, cipher, sensitive)
		if err != nil {
			peers.Close()
			return transition.Peers{}, err
		}
		if err := object.Ping(ctx); err != nil {
			peers.Close()
			return transition.Peers{}, err
		}
		peers.Object = object
		peers.ObjClient = object
	}
	return peers, nil
}

// consumeConfigUpdates drains applied-config announcements; auth and
// AI-provider collaborators hook in here in the full application.
func consumeConfigUpdates(ctx context.Context, svc *syncengine.ConfigService) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-svc.Updates():
			logger.Log.Debug("Config record applied",
				zap.String("type", up.Type),
				zap.String("id", up.ID),
			)
		}
	}
}
