package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/viper"

	"github.com/dibenedetto/meshade/internal/server"
	"github.com/dibenedetto/meshade/internal/storage"
	"github.com/dibenedetto/meshade/pkg/backend"
	"github.com/dibenedetto/meshade/pkg/engine"
	"github.com/dibenedetto/meshade/pkg/events"
	"github.com/dibenedetto/meshade/pkg/manager"
	"github.com/dibenedetto/meshade/pkg/nodes"
)

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetDefault("listen", ":8080")
	v.SetDefault("history", events.DefaultHistoryCap)
	v.SetDefault("workflow_dir", "")
	v.SetDefault("database_dsn", "")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_model", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("MESHADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("meshade")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/meshade")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}
	return v
}

func main() {
	cfg := loadConfig()

	level, err := zerolog.ParseLevel(cfg.GetString("log_level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	bus := events.NewBus(log, cfg.GetInt("history"))
	registry := nodes.Builtin()

	var b *backend.Backend
	if key := cfg.GetString("openai_api_key"); key != "" {
		b = backend.OpenAI(openai.NewClient(key), cfg.GetString("openai_model"), nil)
		log.Info().Msg("openai backend enabled")
	}

	mgr := manager.New(bus, registry, b, log)
	eng := engine.New(bus, registry, b, log)

	var store *storage.Store
	if dsn := cfg.GetString("database_dsn"); dsn != "" {
		store, err = storage.Open(dsn, log)
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := store.Init(ctx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("init database")
		}
		cancel()
		mgr.SetStore(store)
		store.Recorder(bus)
		log.Info().Msg("database persistence enabled")
	}

	workflowDir := cfg.GetString("workflow_dir")
	if workflowDir != "" {
		if err := mgr.LoadAll(workflowDir); err != nil {
			log.Fatal().Err(err).Str("dir", workflowDir).Msg("load workflows")
		}
		log.Info().Str("dir", workflowDir).Int("count", len(mgr.Names())).Msg("workflows loaded")
	}

	srv := server.New(bus, mgr, eng, log)
	httpSrv := &http.Server{
		Addr:    cfg.GetString("listen"),
		Handler: srv.Handler(),
	}

	go func() {
		log.Info().Str("listen", httpSrv.Addr).Msg("meshade listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case <-srv.ShutdownRequested():
		log.Info().Msg("shutdown requested over the control surface")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := eng.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("engine drain incomplete")
	}
	if workflowDir != "" {
		if err := mgr.SaveAll(workflowDir); err != nil {
			log.Warn().Err(err).Msg("save workflows")
		}
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if store != nil {
		_ = store.Close()
	}
}
