package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/poiesic/casevault"
	"github.com/poiesic/casevault/api"
	"github.com/poiesic/casevault/core"
	"github.com/poiesic/casevault/reembed"
	"github.com/urfave/cli/v2"
)

func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "category", Usage: "Only opinions in this case category"},
		&cli.StringFlag{Name: "court", Usage: "Only opinions from this court"},
		&cli.StringFlag{Name: "outcome", Usage: "Only opinions with this outcome"},
		&cli.StringFlag{Name: "from", Usage: "Only opinions filed on or after this date (YYYY-MM-DD)"},
		&cli.StringFlag{Name: "to", Usage: "Only opinions filed before this date (YYYY-MM-DD)"},
	}
}

func filterFromFlags(c *cli.Context) (core.Filter, error) {
	filter := core.Filter{
		CaseCategory: c.String("category"),
		Court:        c.String("court"),
		Outcome:      c.String("outcome"),
	}
	var err error
	if filter.Dates.From, err = parseDateFlag(c.String("from")); err != nil {
		return filter, fmt.Errorf("invalid --from: %w", err)
	}
	if filter.Dates.To, err = parseDateFlag(c.String("to")); err != nil {
		return filter, fmt.Errorf("invalid --to: %w", err)
	}
	return filter, nil
}

func parseDateFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Ingest opinions from JSON files (an object or array per file, - for stdin)",
		ArgsUsage: "FILE...",
		Action:    ingestAction,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Number of opinions written per batch",
				Value: 100,
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for embedding to finish before exiting",
				Value: true,
			},
		},
	}
}

func ingestAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one input file is required")
	}
	batchSize := c.Int("batch-size")
	if batchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}

	var opinions []*core.Opinion
	failed := 0
	for _, path := range c.Args().Slice() {
		data, err := readInput(path)
		if err != nil {
			return err
		}
		decoded, errs, err := api.DecodeOpinions(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		for i, o := range decoded {
			if errs[i] != nil {
				slog.Warn("skipping opinion", "file", path, "index", i, "err", errs[i])
				failed++
				continue
			}
			opinions = append(opinions, o)
		}
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	vault, err := openVault(c.Context, cfg)
	if err != nil {
		return err
	}
	defer vault.Close()

	var created, updated, unchanged int
	for batch := range slices.Chunk(opinions, batchSize) {
		for _, result := range vault.Pipeline().Ingest(c.Context, batch...) {
			switch {
			case result.Err != nil:
				slog.Warn("opinion rejected", "case", result.Opinion.CaseName, "err", result.Err)
				failed++
			case result.Result.Created:
				created++
			case result.Result.TextChanged:
				updated++
			default:
				unchanged++
			}
		}
	}
	fmt.Fprintf(os.Stderr, "Ingested %d opinions: %d created, %d updated, %d unchanged, %d failed\n",
		created+updated+unchanged, created, updated, unchanged, failed)

	if c.Bool("wait") {
		fmt.Fprintln(os.Stderr, "Waiting for embedding to finish...")
		if err := vault.Pipeline().Wait(c.Context); err != nil {
			return err
		}
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Run a hybrid search",
		ArgsUsage: "QUERY...",
		Action:    searchAction,
		Flags: append(filterFlags(),
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of results"},
		),
	}
}

func searchAction(c *cli.Context) error {
	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("a query is required")
	}
	filter, err := filterFromFlags(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	vault, err := openVault(c.Context, cfg, casevault.WithResume(false))
	if err != nil {
		return err
	}
	defer vault.Close()

	resp, err := vault.Searcher().Search(c.Context, core.Query{Text: text, Filter: filter, Limit: c.Int("limit")})
	if err != nil {
		return err
	}
	printResults(os.Stdout, resp)
	return nil
}

func printResults(w io.Writer, resp *core.SearchResponse) {
	if resp.Partial {
		fmt.Fprintf(w, "Partial results (%s)\n", resp.Degraded)
	}
	fmt.Fprintf(w, "Found %d hits\n", len(resp.Results))
	for i, hit := range resp.Results {
		o := hit.Opinion
		fmt.Fprintf(w, "%d: %s [%s, %s] (%d)[%0.3f lex %0.3f vec %0.3f]\n",
			i+1, o.CaseName, o.Court, o.DateFiled.Format("2006-01-02"), o.Id,
			hit.Score, hit.LexicalScore, hit.VectorScore)
		if hit.Snippet != "" {
			fmt.Fprintf(w, "   %s\n", hit.Snippet)
		}
	}
}

func reembedCommand() *cli.Command {
	return &cli.Command{
		Name:   "reembed",
		Usage:  "Embed stored opinions with a model, e.g. after switching models",
		Action: reembedAction,
		Flags: append(filterFlags(),
			&cli.StringFlag{
				Name:  "model",
				Usage: "Embedding model (defaults to embedding.model)",
			},
			&cli.BoolFlag{
				Name:  "only-stale",
				Usage: "Skip opinions already embedded with the model for their current text",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Number of opinions to process in each batch",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Number of opinions embedded at once",
				Value: 4,
			},
			&cli.IntFlag{
				Name:  "report-interval",
				Usage: "Report progress every N opinions",
				Value: 100,
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for requeued chunk retries before exiting",
				Value: true,
			},
		),
	}
}

func reembedAction(c *cli.Context) error {
	filter, err := filterFromFlags(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	model := c.String("model")
	if model == "" {
		model = cfg.Embedding.Model
	}

	reembedConfig := &reembed.Config{
		Model:          model,
		Filter:         filter,
		OnlyStale:      c.Bool("only-stale"),
		BatchSize:      c.Int("batch-size"),
		Concurrency:    c.Int("concurrency"),
		ReportInterval: c.Int("report-interval"),
	}

	// Validate config
	if reembedConfig.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if reembedConfig.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be greater than 0")
	}
	if reembedConfig.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}

	vault, err := openVault(c.Context, cfg)
	if err != nil {
		return err
	}
	defer vault.Close()

	reembedder, err := reembed.NewReembedder(vault.Opinions(), vault.Statuses(), vault.Pipeline(), reembedConfig, os.Stderr)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Database: %s\n", cfg.DataDir)
	fmt.Fprintf(os.Stderr, "Embedding host: %s\n", cfg.Embedding.Host)
	fmt.Fprintf(os.Stderr, "Embedding model: %s\n", model)
	fmt.Fprintln(os.Stderr)

	if _, err := reembedder.Run(c.Context); err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}
	if c.Bool("wait") {
		return vault.Pipeline().Wait(c.Context)
	}
	return nil
}

func retireModelCommand() *cli.Command {
	return &cli.Command{
		Name:      "retire-model",
		Usage:     "Delete every chunk and status embedded with a model",
		ArgsUsage: "MODEL",
		Action:    retireModelAction,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Allow retiring a model that is still configured",
			},
		},
	}
}

func retireModelAction(c *cli.Context) error {
	model := c.Args().First()
	if model == "" {
		return fmt.Errorf("a model name is required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if slices.Contains(cfg.Models(), model) && !c.Bool("force") {
		return fmt.Errorf("model %q is still configured; use --force to retire it anyway", model)
	}
	vault, err := openVault(c.Context, cfg, casevault.WithResume(false))
	if err != nil {
		return err
	}
	defer vault.Close()

	removed, err := vault.Pipeline().RetireModel(c.Context, model)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Retired %s: %d chunks removed\n", model, removed)
	return nil
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Show opinion counts and embedding status",
		Action: statsAction,
		Flags:  filterFlags(),
	}
}

func statsAction(c *cli.Context) error {
	filter, err := filterFromFlags(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	vault, err := openVault(c.Context, cfg, casevault.WithResume(false))
	if err != nil {
		return err
	}
	defer vault.Close()

	stats, err := vault.Opinions().Stats(c.Context, filter)
	if err != nil {
		return err
	}
	embedding, err := embeddingCounts(c.Context, vault)
	if err != nil {
		return err
	}
	printStats(os.Stdout, stats, embedding, vault.Index().Size(""))
	return nil
}

// embeddingCounts returns status counts keyed by model, then state.
func embeddingCounts(ctx context.Context, vault *casevault.Vault) (map[string]map[string]int, error) {
	counts := make(map[string]map[string]int)
	for _, state := range []core.EmbeddingState{core.EmbeddingPending, core.EmbeddingComplete, core.EmbeddingFailed} {
		statuses, err := vault.Statuses().ListStatuses(ctx, state)
		if err != nil {
			return nil, err
		}
		for _, s := range statuses {
			if counts[s.Model] == nil {
				counts[s.Model] = make(map[string]int)
			}
			counts[s.Model][state.String()]++
		}
	}
	return counts, nil
}

func printStats(w io.Writer, stats *core.Stats, embedding map[string]map[string]int, indexed int) {
	fmt.Fprintf(w, "Opinions: %d\n", stats.Total)
	printCounts(w, "By category", stats.ByCategory)
	printCounts(w, "By court", stats.ByCourt)
	printCounts(w, "By outcome", stats.ByOutcome)

	years := make([]int, 0, len(stats.ByYear))
	for y := range stats.ByYear {
		years = append(years, y)
	}
	sort.Ints(years)
	if len(years) > 0 {
		fmt.Fprintln(w, "By year:")
		for _, y := range years {
			fmt.Fprintf(w, "  %d: %d\n", y, stats.ByYear[y])
		}
	}

	fmt.Fprintf(w, "Indexed chunks: %d\n", indexed)
	models := make([]string, 0, len(embedding))
	for m := range embedding {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		c := embedding[m]
		fmt.Fprintf(w, "Model %s: %d complete, %d pending, %d failed\n", m, c["complete"], c["pending"], c["failed"])
	}
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %d\n", k, counts[k])
	}
}

func rebuildIndexCommand() *cli.Command {
	return &cli.Command{
		Name:   "rebuild-index",
		Usage:  "Rebuild the in-memory vector index from stored chunks and report its size",
		Action: rebuildIndexAction,
	}
}

func rebuildIndexAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	vault, err := openVault(c.Context, cfg, casevault.WithResume(false))
	if err != nil {
		return err
	}
	defer vault.Close()

	n, err := vault.RebuildIndex(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Vector index rebuilt: %d chunks\n", n)
	return nil
}
