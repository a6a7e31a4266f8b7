package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/ucti"
	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/enrich"
	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/export"
	"github.com/hazyhaar/ucti/internal/fetch"
	"github.com/hazyhaar/ucti/internal/ingest"
	"github.com/hazyhaar/ucti/internal/oracle"
)

var jobCmd = &cobra.Command{
	Use:   "job <name>",
	Short: "Run one maintenance job to completion",
	Long: `job runs a single maintenance job and exits 0 on success, 1 when
anything failed. The scheduler spawns the recurring ones; all can be
run by hand.

Scheduled jobs:
  cache-expire   drop expired search-cache entries
  data-export    write a posts snapshot into the backup dir
  filter-tags    prune and merge near-duplicate tags
  ingest         fetch all configured sources, then enrich
  tag            assign tags to pending posts

Manual jobs:
  filter         reclassify visible posts (keyword shortcut allowed)
  filter-posts   reclassify visible posts, Oracle-only
  ioc            extract indicators from pending posts`,
	Args: cobra.ExactArgs(1),
	RunE: runJobCmd,
}

var jobNoFetch bool

func init() {
	jobCmd.Flags().BoolVar(&jobNoFetch, "no-fetch", false,
		"ingest only: skip fetching and enrich whatever is pending")
	rootCmd.AddCommand(jobCmd)
}

func runJobCmd(_ *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	svc, cfg, dirs, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	name := args[0]
	jobs := jobTable(svc, cfg, dirs)
	run, ok := jobs[name]
	if !ok {
		names := make([]string, 0, len(jobs))
		for n := range jobs {
			names = append(names, n)
		}
		sort.Strings(names)
		return fmt.Errorf("unknown job %q, have: %s", name, strings.Join(names, ", "))
	}

	start := time.Now()
	if err := run(ctx); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	slog.Info("job done", "job", name, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// jobTable binds every job name to its run function. The Oracle-backed
// jobs build their enricher lazily so jobs that never talk to the LLM
// work without an [ai] section.
func jobTable(svc *ucti.Service, cfg *config.Config, dirs config.Dirs) map[string]func(context.Context) error {
	logger := slog.Default()

	enricher := func() (*enrich.Enricher, error) {
		oc, err := oracle.New(cfg.AI, logger)
		if err != nil {
			return nil, err
		}
		return enrich.New(svc.Store(), oc, logger), nil
	}

	return map[string]func(context.Context) error{
		"ingest": func(ctx context.Context) error {
			en, err := enricher()
			if err != nil {
				return err
			}
			if jobNoFetch {
				return en.EnrichAll(ctx)
			}
			runner := ingest.NewRunner(svc.Store(), logger)
			runner.FromConfig(cfg, fetch.New(fetch.Config{}))

			// Fetch failures must not stop enrichment of what arrived.
			collector := errs.NewCollector("ingest job failed")
			if err := runner.Run(ctx); err != nil {
				collector.Add(err)
			}
			if err := en.EnrichAll(ctx); err != nil {
				collector.Add(err)
			}
			return collector.Err()
		},
		"tag": func(ctx context.Context) error {
			en, err := enricher()
			if err != nil {
				return err
			}
			return en.AssignTags(ctx, enrich.Options{})
		},
		"filter": func(ctx context.Context) error {
			en, err := enricher()
			if err != nil {
				return err
			}
			return en.FilterPosts(ctx, enrich.Options{Revisit: true})
		},
		"filter-posts": func(ctx context.Context) error {
			en, err := enricher()
			if err != nil {
				return err
			}
			return en.FilterPosts(ctx, enrich.Options{Revisit: true, ForceAI: true})
		},
		"ioc": func(ctx context.Context) error {
			en, err := enricher()
			if err != nil {
				return err
			}
			return en.ExtractIoCs(ctx, enrich.Options{})
		},
		"filter-tags": func(ctx context.Context) error {
			return enrich.New(svc.Store(), nil, logger).CleanupTags(ctx)
		},
		"cache-expire": func(ctx context.Context) error {
			cache := svc.Cache()
			if cache == nil {
				slog.Info("search cache disabled, nothing to expire")
				return nil
			}
			n, err := cache.Expire(ctx, time.Now())
			if err != nil {
				return err
			}
			slog.Info("cache entries expired", "count", n)
			return nil
		},
		"data-export": func(ctx context.Context) error {
			path, err := export.New(svc.Store(), logger).Export(ctx, dirs.Backup)
			if err != nil {
				return err
			}
			slog.Info("snapshot written", "path", path)
			return nil
		},
	}
}
