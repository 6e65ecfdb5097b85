package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/m2tx/voice_agent/internal/config"
	"github.com/m2tx/voice_agent/internal/functions"
	"github.com/m2tx/voice_agent/internal/knowledge"
	"github.com/m2tx/voice_agent/internal/provider"
	"github.com/m2tx/voice_agent/internal/relay"
	"github.com/m2tx/voice_agent/internal/repository"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversation relay socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("port", "", "HTTP port")
	flags.String("provider", "", "language model provider: gemini or openai")
	flags.String("model", "", "model name")
	flags.String("docs", "", "directory of resource documents")
	flags.String("catalog", "", "action catalog file")
	bindFlags(v, cmd, map[string]string{
		"port":     "http_port",
		"provider": "provider",
		"model":    "model",
		"docs":     "docs_dir",
		"catalog":  "catalog",
	})

	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		profiles repository.ProfileRepository
		actions  repository.ActionRepository
	)
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("mongodb connect: %w", err)
		}
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				logger.Warn("mongodb disconnect", zap.Error(err))
			}
		}()

		database := mongoClient.Database(cfg.MongoDB)
		profiles = repository.NewMongoProfileRepository(database, "profiles")
		actions = repository.NewMongoActionRepository(database, "actions")
	} else {
		logger.Warn("no MongoDB URI configured, profiles and actions are kept in memory")
		mem := repository.NewMemoryRepository()
		profiles, actions = mem, mem
	}

	index := knowledge.NewIndex(logger)
	if err := index.Load(cfg.DocsDir); err != nil {
		return err
	}

	var catalog *functions.Catalog
	if cfg.CatalogFile != "" {
		var err error
		if catalog, err = functions.LoadCatalog(cfg.CatalogFile); err != nil {
			return err
		}
	}

	registry, err := functions.NewRegistry(functions.Deps{
		Index:    index,
		Profiles: profiles,
		Weather:  &functions.WeatherClient{APIKey: cfg.WeatherAPIKey},
		Logger:   logger,
	}, catalog)
	if err != nil {
		return err
	}

	llm, err := provider.New(ctx, provider.Config{
		Name:           cfg.Provider,
		Model:          cfg.Model,
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Temperature:    cfg.Temperature,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)
	if err != nil {
		return err
	}

	sockets, err := relay.NewHandler(relay.Config{
		Provider:       llm,
		Registry:       registry,
		Recorder:       actions,
		Profiles:       profiles,
		Logger:         logger,
		CoalesceWindow: cfg.CoalesceWindow,
		MaxToolRounds:  cfg.MaxToolRounds,
		Greeting:       cfg.Greeting,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/sockets", sockets)
	mux.HandleFunc("/actions", actionsHandler(actions))

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", srv.Addr),
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Strings("actions", registry.Names()))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// actionsHandler lists the actions a session ran.
func actionsHandler(actions repository.ActionRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}

		records, err := actions.ListBySession(r.Context(), sessionID)
		if err != nil {
			logger.Error("list actions", zap.String("session", sessionID), zap.Error(err))
			http.Error(w, "list actions", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")

		_ = json.NewEncoder(w).Encode(records)
	}
}
