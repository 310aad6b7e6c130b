// Command inboxmd fetches Gmail messages for a label and converts
// them to markdown files, tracking per-message state in SQLite so runs
// are resumable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dkrall/inboxmd/internal/content"
	"github.com/dkrall/inboxmd/internal/gmail"
	"github.com/dkrall/inboxmd/internal/model"
	"github.com/dkrall/inboxmd/internal/pipeline"
	"github.com/dkrall/inboxmd/internal/store"
	"github.com/dkrall/inboxmd/internal/watch"
)

const usage = `Usage: inboxmd <command> [flags]

Commands:
  labels    List Gmail labels
  run       Run the full pipeline: discover, fetch, convert
  discover  Discover message IDs only (stage 1)
  fetch     Fetch pending messages (stage 2)
  convert   Convert fetched messages (stage 3)
  watch     Run the full pipeline repeatedly on an interval
  status    Show message counts by status
  retry     Reset failed messages to pending

Flags for run/discover/fetch/convert:
  --limit N       cap messages processed in this stage (non-negative)
  --offset N      skip the first N messages (non-negative)
  --batch-size N  override the fetch/convert batch size (positive)
  --label ID      Gmail label ID (run/watch/discover; default from config)
  --query Q       Gmail search query (run/watch/discover)
  --interval D    delay between watch runs (watch only; default 5m)
`

func main() {
	// A .env file mirrors config environment variables for local use.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	cfgPath := os.Getenv("INBOXMD_CONFIG")
	if cfgPath == "" {
		cfgPath = model.DefaultConfigPath()
	}
	cfg, err := model.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runCommand(ctx, command, args, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "\nInterrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, command string, args []string, cfg *model.Config) error {
	switch command {
	case "labels", "run", "watch", "discover", "fetch", "convert", "status", "retry":
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Only commands that talk to the API need OAuth.
	needAPI := command != "status" && command != "retry"

	ing, err := newIngestor(ctx, cfg, needAPI)
	if err != nil {
		return err
	}
	defer ing.Close()

	switch command {
	case "labels":
		return cmdLabels(ctx, ing)
	case "run":
		sf, err := parseStageFlags(command, args, true)
		if err != nil {
			return err
		}
		progress, err := ing.Run(ctx, sf.label, sf.query, sf.options())
		if err != nil {
			return fmt.Errorf("%w (partial: %s)", err, progress)
		}
		fmt.Printf("\nComplete: %s\n", progress)
		return nil
	case "watch":
		fs := flag.NewFlagSet("watch", flag.ContinueOnError)
		label := fs.String("label", "", "Gmail label ID (default from config)")
		query := fs.String("query", "", "Gmail search query")
		interval := fs.Duration("interval", 5*time.Minute, "delay between pipeline runs")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *interval <= 0 {
			return errors.New("--interval must be positive")
		}
		return cmdWatch(ctx, ing, *label, *query, *interval)
	case "discover":
		sf, err := parseStageFlags(command, args, true)
		if err != nil {
			return err
		}
		count, err := ing.RunDiscovery(ctx, sf.label, sf.query, sf.options())
		if err != nil {
			return err
		}
		fmt.Printf("\nDiscovered %d new message IDs\n", count)
		return nil
	case "fetch":
		sf, err := parseStageFlags(command, args, false)
		if err != nil {
			return err
		}
		count, err := ing.RunFetchPending(ctx, sf.options())
		if err != nil {
			return err
		}
		fmt.Printf("\nFetched %d messages\n", count)
		return nil
	case "convert":
		sf, err := parseStageFlags(command, args, false)
		if err != nil {
			return err
		}
		count, err := ing.RunConvertPending(ctx, sf.options())
		if err != nil {
			return err
		}
		fmt.Printf("\nConverted %d messages\n", count)
		return nil
	case "status":
		return cmdStatus(ctx, ing)
	case "retry":
		count, err := ing.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Reset %d failed messages to pending\n", count)
		return nil
	}
	return nil
}

func newIngestor(ctx context.Context, cfg *model.Config, needAPI bool) (*pipeline.Ingestor, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	tracker, err := store.NewSQLiteTracker(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	var client pipeline.MailAPI
	if needAPI {
		srv, err := gmail.NewService(ctx, cfg.CredentialsPath, cfg.TokenPath)
		if err != nil {
			tracker.Close()
			return nil, err
		}
		client = gmail.NewServiceClient(srv, gmail.ClientConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			InterPageDelay: cfg.InterPageDelay,
		})
	}

	raw, err := content.NewRawStore(cfg.RawDir)
	if err != nil {
		tracker.Close()
		return nil, err
	}
	writer, err := content.NewWriter(cfg.MarkdownDir)
	if err != nil {
		tracker.Close()
		return nil, err
	}

	return pipeline.New(
		pipeline.Config{
			Label:     cfg.Label,
			PageSize:  cfg.PageSize,
			BatchSize: cfg.BatchSize,
		},
		client,
		tracker,
		raw,
		writer,
		printProgress,
	), nil
}

func printProgress(p model.FetchProgress) {
	fmt.Printf("\r%s", p)
}

func cmdLabels(ctx context.Context, ing *pipeline.Ingestor) error {
	labels, err := ing.ListLabels(ctx)
	if err != nil {
		return err
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

	fmt.Printf("Found %d labels:\n\n", len(labels))
	for _, lbl := range labels {
		fmt.Printf("  %-40s %s\n", lbl.ID, lbl.Name)
	}
	return nil
}

// cmdWatch runs the pipeline repeatedly until interrupted, reporting
// each completed run. Individual run failures are reported and the
// watcher keeps going; only cancellation ends it.
func cmdWatch(ctx context.Context, ing *pipeline.Ingestor, label, query string, interval time.Duration) error {
	w := watch.New(ing, label, query, interval)
	w.Start(ctx)
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-w.Results():
			if res.Error != nil {
				if errors.Is(res.Error, context.Canceled) {
					return res.Error
				}
				fmt.Fprintf(os.Stderr, "\nrun failed: %v\n", res.Error)
				continue
			}
			fmt.Printf("\n%s\n", res.Progress)
		}
	}
}

func cmdStatus(ctx context.Context, ing *pipeline.Ingestor) error {
	counts, err := ing.GetStatus(ctx)
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	fmt.Println("Message counts by status:")
	for _, status := range statuses {
		fmt.Printf("  %s: %d\n", status, counts[store.Status(status)])
	}
	return nil
}

// stageFlags holds the pagination flags shared by the stage-running
// subcommands, tracking which were explicitly set so "absent" and
// "zero" stay distinguishable.
type stageFlags struct {
	label        string
	query        string
	limit        int
	offset       int
	batchSize    int
	limitSet     bool
	batchSizeSet bool
}

func parseStageFlags(name string, args []string, withLabel bool) (*stageFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	sf := &stageFlags{}

	if withLabel {
		fs.StringVar(&sf.label, "label", "", "Gmail label ID (default from config)")
		fs.StringVar(&sf.query, "query", "", "Gmail search query")
	}
	fs.IntVar(&sf.limit, "limit", 0, "cap messages processed in this stage")
	fs.IntVar(&sf.offset, "offset", 0, "skip the first N messages")
	fs.IntVar(&sf.batchSize, "batch-size", 0, "override batch size for fetch/convert")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "limit":
			sf.limitSet = true
		case "batch-size":
			sf.batchSizeSet = true
		}
	})

	if sf.limitSet && sf.limit < 0 {
		return nil, errors.New("--limit must be non-negative")
	}
	if sf.offset < 0 {
		return nil, errors.New("--offset must be non-negative")
	}
	if sf.batchSizeSet && sf.batchSize <= 0 {
		return nil, errors.New("--batch-size must be positive")
	}
	return sf, nil
}

func (sf *stageFlags) options() pipeline.StageOptions {
	opts := pipeline.StageOptions{Offset: sf.offset}
	if sf.limitSet {
		v := sf.limit
		opts.Limit = &v
	}
	if sf.batchSizeSet {
		v := sf.batchSize
		opts.BatchSize = &v
	}
	return opts
}
