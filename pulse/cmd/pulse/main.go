// The pulse command line tool serves the unified code review and work item
// view from the local cache, refreshing from the configured providers as
// needed.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.pulse.build/go/sklog"
	"go.pulse.build/go/sklog/sklogimpl"
	"go.pulse.build/go/sklog/stdlogging"
	"go.pulse.build/pulse/go/cache"
	"go.pulse.build/pulse/go/cache/sqlcachestore"
	"go.pulse.build/pulse/go/config"
	"go.pulse.build/pulse/go/sourcehealth"
	"go.pulse.build/pulse/go/sources"
	"go.pulse.build/pulse/go/sources/githubsource"
	"go.pulse.build/pulse/go/sources/gitlabsource"
	"go.pulse.build/pulse/go/workstore"
)

func main() {
	app := &cli.App{
		Name:  "pulse",
		Usage: "A unified view of your code reviews and work items.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a JSON5 config file.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log to stdout.",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				sklogimpl.SetLogger(stdlogging.New(os.Stdout))
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "reviews",
				Usage: "List code reviews.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "section",
						Value: "assigned",
						Usage: "Which reviews to list: assigned or opened.",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Bypass the cache and fetch live.",
					},
				},
				Action: reviewsAction,
			},
			{
				Name:  "items",
				Usage: "List work items.",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Bypass the cache and fetch live.",
					},
				},
				Action: itemsAction,
			},
			{
				Name:  "invalidate",
				Usage: "Delete cached data.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "type",
						Usage: "Only delete rows of this data type: code_reviews or work_items.",
					},
					&cli.StringFlag{
						Name:  "provider",
						Usage: "Only delete rows of this provider, e.g. gitlab.",
					},
				},
				Action: invalidateAction,
			},
			{
				Name:   "status",
				Usage:  "Show cache and source health.",
				Action: statusAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// setup builds the work store and its collaborators from the config file.
func setup(c *cli.Context) (*workstore.Store, *sourcehealth.Tracker, func(), error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, nil, err
	}
	dbPath := cfg.Cache.DBPath
	if dbPath == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, nil, nil, err
		}
		dbPath = filepath.Join(cacheDir, "pulse", "cache.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, nil, nil, err
	}
	store, err := sqlcachestore.New(c.Context, dbPath, cfg.CleanupWindow())
	if err != nil {
		return nil, nil, nil, err
	}

	registry := sources.NewRegistry()
	registry.RegisterCodeReviewSource(gitlabsource.New(cfg.GitLab.GlabPath))
	if cfg.GitHub.Token != "" {
		gh := githubsource.NewFromToken(c.Context, cfg.GitHub.Token, cfg.GitHub.Login)
		registry.RegisterCodeReviewSource(gh)
		registry.RegisterWorkItemSource(gh)
	}

	health := sourcehealth.NewTracker(sourcehealth.Options{
		BaseRetryDelay: cfg.BaseRetryDelay(),
		MaxRetryDelay:  cfg.MaxRetryDelay(),
	})
	ws := workstore.New(registry, store, health, workstore.Options{
		ReviewTTL:         cfg.ReviewTTL(),
		WorkItemTTL:       cfg.WorkItemTTL(),
		BackgroundTimeout: cfg.BackgroundTimeout(),
	})
	cleanup := func() {
		// Let any spawned refresh land in the cache before the process exits.
		ws.Wait()
		if err := store.Close(); err != nil {
			sklog.Errorf("Failed to close cache: %s", err)
		}
	}
	return ws, health, cleanup, nil
}

func reviewsAction(c *cli.Context) error {
	var subsection cache.Subsection
	switch c.String("section") {
	case "assigned":
		subsection = cache.SubsectionAssigned
	case "opened":
		subsection = cache.SubsectionOpened
	default:
		return fmt.Errorf("unknown section %q, expected assigned or opened", c.String("section"))
	}
	ws, _, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	res := ws.GetCodeReviews(c.Context, subsection, c.Bool("force"))
	for _, r := range res.Data {
		draft := ""
		if r.Draft {
			draft = " [draft]"
		}
		fmt.Printf("%s %-7s %s%s  %s (%s)\n", r.AdapterIcon, r.Key, r.Title, draft, r.Author, r.State)
	}
	printResultFooter(len(res.Data), res.Fresh, res.Errors)
	return nil
}

func itemsAction(c *cli.Context) error {
	ws, _, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	res := ws.GetWorkItems(c.Context, c.Bool("force"))
	for _, item := range res.Data {
		common := item.Common()
		due := ""
		if common.DueDate != "" {
			due = " due " + common.DueDate
		}
		fmt.Printf("[%s] %s  %s (%s)%s\n", item.Kind(), common.ID, common.Title, common.Status, due)
	}
	printResultFooter(len(res.Data), res.Fresh, res.Errors)
	return nil
}

func printResultFooter(n int, fresh bool, errs map[string]string) {
	freshness := "cached"
	if fresh {
		freshness = "live"
	}
	fmt.Printf("%d entries (%s)\n", n, freshness)
	for tag, msg := range errs {
		fmt.Printf("warning: %s failed: %s\n", tag, msg)
	}
}

func invalidateAction(c *cli.Context) error {
	dataType := cache.DataType(c.String("type"))
	switch dataType {
	case "", cache.CodeReviews, cache.WorkItems:
	default:
		return fmt.Errorf("unknown data type %q, expected code_reviews or work_items", dataType)
	}
	ws, _, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	ws.Invalidate(c.Context, dataType, c.String("provider"))
	fmt.Println("Invalidated.")
	return nil
}

func statusAction(c *cli.Context) error {
	ws, health, cleanup, err := setup(c)
	if err != nil {
		return err
	}
	defer cleanup()

	stats := ws.Stats(c.Context)
	for _, dataType := range []cache.DataType{cache.CodeReviews, cache.WorkItems} {
		fresh := "stale"
		if ws.IsFresh(c.Context, dataType, "") {
			fresh = "fresh"
		}
		fmt.Printf("%-12s %3d rows (%s)\n", dataType, stats.Rows[dataType], fresh)
	}
	if !stats.OldestCachedAt.IsZero() {
		fmt.Printf("oldest row cached at %s\n", stats.OldestCachedAt.Format("2006-01-02 15:04:05"))
	}
	failed := health.GetFailedSources(c.Context)
	if len(failed) == 0 {
		fmt.Println("all sources healthy")
		return nil
	}
	for _, tag := range failed {
		rec, _ := health.GetRecord(c.Context, tag)
		fmt.Printf("%s failing (%d in a row, retry in %s): %s\n", tag, rec.FailureCount, health.RetryDelay(c.Context, tag), rec.Error)
	}
	return nil
}
