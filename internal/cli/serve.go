package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/quill/internal/config"
	"github.com/harun/quill/internal/httpapi"
	"github.com/harun/quill/internal/logger"
	"github.com/harun/quill/pkg/agent"
	"github.com/harun/quill/pkg/draft"
	"github.com/harun/quill/pkg/llm"
	"github.com/harun/quill/pkg/mcp"
	"github.com/harun/quill/pkg/pipeline"
	"github.com/harun/quill/pkg/prompts"
	"github.com/harun/quill/pkg/search"
	"github.com/harun/quill/pkg/thread"
	"github.com/harun/quill/pkg/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Quill HTTP service",
	Long: `Start the HTTP service: ingest thread updates, draft replies in the
background, and serve committed drafts and feedback revisions.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	log := lg.GetZerolog()

	dataDir := cfg.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".quill")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = filepath.Join(dataDir, "quill.db")
	}

	store, err := thread.NewStore(storePath, log)
	if err != nil {
		return fmt.Errorf("failed to open thread store: %w", err)
	}
	defer store.Close()

	var embProvider search.EmbeddingProvider
	if cfg.Embeddings.Enabled && cfg.Embeddings.APIKey != "" {
		embProvider = search.NewOpenAIEmbeddingProvider(cfg.Embeddings.APIKey, cfg.Embeddings.Model)
	}

	index, err := search.NewIndex(store.DB(), embProvider, log)
	if err != nil {
		return fmt.Errorf("failed to initialize search index: %w", err)
	}

	providers := []tools.Provider{search.NewToolProvider(index)}
	for _, pc := range cfg.Providers {
		providers = append(providers, mcp.NewClient(pc.Name, pc.URL))
	}

	decisionProvider, err := buildDecisionProvider(cfg)
	if err != nil {
		return err
	}
	if decisionProvider == nil {
		log.Warn().Msg("No LLM profile configured, agent runs use the heuristic fallback")
	}

	controller := agent.NewController(decisionProvider, agent.Config{
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxIterations: cfg.Agent.MaxIterations,
		MaxRetries:    cfg.LLM.MaxRetries,
		LLMTimeout:    time.Duration(cfg.Agent.LLMTimeoutSec) * time.Second,
		ToolTimeout:   time.Duration(cfg.Agent.ToolTimeoutSec) * time.Second,
	}, log)

	promptStore, err := prompts.NewStore(cfg.Prompts.Dir, cfg.Prompts.HotReload, log)
	if err != nil {
		return fmt.Errorf("failed to initialize prompts: %w", err)
	}
	defer promptStore.Close()

	p := pipeline.New(store, index, draft.NewCoordinator(store, log), controller, providers, promptStore, log)

	var sweeper *pipeline.Sweeper
	if cfg.Sweep.Enabled && embProvider != nil {
		sweeper, err = pipeline.NewSweeper(index, cfg.Sweep.Schedule, log)
		if err != nil {
			return fmt.Errorf("failed to schedule embedding sweep: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	server, err := httpapi.NewServer(httpapi.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Pipeline: p,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	log.Info().
		Str("store", storePath).
		Int("tool_providers", len(providers)).
		Bool("embeddings", embProvider != nil).
		Msg("Quill service started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// buildDecisionProvider picks the highest-priority configured profile. No
// profiles means no provider; the loop falls back to its heuristic.
func buildDecisionProvider(cfg *config.Config) (llm.Provider, error) {
	if len(cfg.LLM.Profiles) == 0 {
		return nil, nil
	}

	profiles := make([]llm.Profile, len(cfg.LLM.Profiles))
	for i, p := range cfg.LLM.Profiles {
		profiles[i] = llm.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		}
	}
	llm.SortProfilesByPriority(profiles)

	factory := &llm.Factory{}
	provider, err := factory.NewProvider(profiles[0])
	if err != nil {
		return nil, fmt.Errorf("failed to build LLM provider: %w", err)
	}
	return provider, nil
}
