package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/blob"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/config"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/ghapi"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/metrics"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/notify"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/queue"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/reaper"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/runstore"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/pr-snapshot-orchestrator/web/api"
)

var (
	listStatus  string
	listRepo    string
	listLimit   int
	killAll     bool
	killHandles bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator service",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		RunE:  runList,
	}
	runsCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	runsCmd.Flags().StringVar(&listRepo, "repo", "", "filter by repository name")
	runsCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(runsCmd)

	killCmd := &cobra.Command{
		Use:   "kill [RUN...]",
		Short: "Force-fail runs and destroy their sandbox handles",
		RunE:  runKill,
	}
	killCmd.Flags().BoolVar(&killAll, "all", false, "kill every active run")
	killCmd.Flags().BoolVar(&killHandles, "handles", false, "treat arguments as raw handle names, bypassing the run records")
	rootCmd.AddCommand(killCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	return runstore.New(cfg.General.DatabasePath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	provider := sandbox.NewHTTPProvider(cfg.Sandbox.BaseURL, cfg.Sandbox.Token)
	store.SetHandleDestroyer(func(name string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return provider.Destroy(ctx, name)
	})

	pem, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("read GitHub App key: %w", err)
	}
	auth, err := ghapi.NewAppAuth(cfg.GitHub.AppID, pem, cfg.GitHub.BaseURL)
	if err != nil {
		return err
	}
	gh := ghapi.NewClient(auth, cfg.GitHub.BaseURL)

	blobs := blob.NewFSStore(cfg.Blob.RootDir, cfg.Blob.BaseURL)

	var q queue.Queue
	if cfg.Queue.NATSURL != "" {
		nq, err := queue.NewNATS(cfg.Queue.NATSURL, cfg.Queue.Subject, cfg.Queue.Group)
		if err != nil {
			return err
		}
		q = nq
	} else {
		q = queue.NewMemory(64)
	}
	defer q.Close()

	prom := metrics.NewProm("snapshot_orch")

	orch := orchestrator.New(store, provider, gh, blobs, orchestrator.Config{
		AgentPort:     cfg.Agent.Port,
		AgentCommand:  cfg.Agent.Command,
		AgentDeadline: time.Duration(cfg.Agent.DeadlineMinutes) * time.Minute,
		PreviewDomain: cfg.Sandbox.PreviewDomain,
	})
	orch.SetMetrics(prom)
	if cfg.Notifications.SlackWebhook != "" {
		orch.SetNotifier(notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	if err := q.Subscribe(orch.Execute); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(store, gh, q, addr, cfg.GitHub.WebhookSecret, cfg.GitHub.TriggerMention)
	server.SetMetrics(prom)
	server.SetSandboxProvider(provider)
	server.ServeBlobs(cfg.Blob.RootDir)
	orch.SetStatusCallback(server.BroadcastStatus)

	sweeper := reaper.New(store, provider, cfg.Reaper.Schedule,
		time.Duration(cfg.Reaper.StuckAfterHours)*time.Hour)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	return server.Start()
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := runstore.ListOptions{Repo: listRepo, Limit: listLimit}
	if listStatus != "" {
		st := domain.RunStatus(listStatus)
		if !domain.ValidStatus(st) {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		opts.Status = st
	}
	runs, err := store.List(opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPR\tCOMMIT\tSTATUS\tSTEP\tUPDATED")
	for _, r := range runs {
		commit := r.CommitSHA
		if len(commit) > 10 {
			commit = commit[:10]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Key(), commit, r.Status, r.Step, r.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runKill(cmd *cobra.Command, args []string) error {
	if !killAll && len(args) == 0 {
		return fmt.Errorf("pass run IDs or --all")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider := sandbox.NewHTTPProvider(cfg.Sandbox.BaseURL, cfg.Sandbox.Token)

	if killHandles {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, name := range args {
			if err := provider.Destroy(ctx, name); err != nil {
				fmt.Printf("destroy %s: %v\n", name, err)
				continue
			}
			fmt.Printf("destroyed %s\n", name)
		}
		return nil
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	store.SetHandleDestroyer(func(name string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return provider.Destroy(ctx, name)
	})

	if killAll {
		ids, err := store.KillAllActive()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Printf("killed %s\n", id)
		}
		if len(ids) == 0 {
			fmt.Println("no active runs")
		}
		return nil
	}

	for _, id := range args {
		ok, err := store.Kill(id)
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("killed %s\n", id)
		} else {
			fmt.Printf("no such run %s\n", id)
		}
	}
	return nil
}
