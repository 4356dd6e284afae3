// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/poiesic/casevault"
	"github.com/poiesic/casevault/config"
	"github.com/poiesic/casevault/ingestion"
	"github.com/poiesic/casevault/search"
	"github.com/poiesic/casevault/vector"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "casevault",
		Usage: "Case opinion store with hybrid lexical and semantic search",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
				Value:   "casevault.yaml",
				EnvVars: []string{"CASEVAULT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Optional .env file loaded before configuration",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Path to BadgerDB database directory (overrides data_dir)",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "Write OpenTelemetry spans to stderr",
			},
		},
		Before: func(c *cli.Context) error {
			if err := loadEnvFile(c.String("env-file")); err != nil {
				return err
			}
			if err := setupLogger(c); err != nil {
				return err
			}
			return setupTracing(c)
		},
		After: shutdownTracing,
		Commands: []*cli.Command{
			serveCommand(),
			ingestCommand(),
			searchCommand(),
			reembedCommand(),
			retireModelCommand(),
			statsCommand(),
			rebuildIndexCommand(),
		},
	}
}

// loadEnvFile loads path into the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func setupLogger(c *cli.Context) error {
	// Get log level from flag and normalize to lowercase
	levelStr := strings.ToLower(c.String("log-level"))

	// Map string to slog.Level
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	// Configure slog with the specified level
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}

// loadConfig reads the configuration file and applies the --db override.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if db := c.String("db"); db != "" {
		cfg.DataDir = db
	}
	return cfg, nil
}

// openVault opens the store described by cfg with the OpenAI-compatible provider.
func openVault(ctx context.Context, cfg *config.Config, opts ...casevault.Option) (*casevault.Vault, error) {
	aiConfig := cfg.AIConfig()
	if err := aiConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid AI configuration: %w", err)
	}
	if cfg.DataDir == "" {
		slog.Warn("no data directory configured, using an in-memory store")
	}

	in := cfg.Ingestion
	s := cfg.Search
	opts = append([]casevault.Option{
		casevault.WithAIConfig(aiConfig),
		casevault.WithVectorOptions(
			vector.WithMinGraphSize(cfg.Index.MinGraphSize),
			vector.WithConnections(cfg.Index.Connections),
			vector.WithEfSearch(cfg.Index.EfSearch),
		),
		casevault.WithPipelineOptions(
			ingestion.WithModels(cfg.Models()...),
			ingestion.WithPoolSize(in.Workers),
			ingestion.WithChunking(in.ChunkSize, in.ChunkOverlap),
			ingestion.WithEnrichment(*in.Enrich),
			ingestion.WithMaxAttempts(in.MaxAttempts),
			ingestion.WithCallTimeout(in.CallTimeout),
			ingestion.WithRequeueDelay(in.RequeueDelay),
			ingestion.WithMaxRequeues(in.MaxRequeues),
		),
		casevault.WithSearchOptions(
			search.WithModel(cfg.Embedding.Model),
			search.WithWeights(float32(s.VectorWeight), float32(s.LexicalWeight)),
			search.WithEmbedTimeout(s.EmbedTimeout),
			search.WithMinCandidates(s.MinCandidates),
			search.WithSnippetLength(s.SnippetLength),
			search.WithDefaultLimit(s.DefaultLimit),
		),
	}, opts...)
	vault, err := casevault.Open(ctx, cfg.DataDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return vault, nil
}
