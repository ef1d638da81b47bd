package cmd

import (
	"context"
	"log/slog"
	"time"
	"trendwatch/internal/api"
	"trendwatch/internal/collector"
	"trendwatch/internal/components/chrono"
	"trendwatch/internal/components/telemetry"
	"trendwatch/internal/config"
	"trendwatch/internal/credential"
	"trendwatch/internal/db"
	"trendwatch/internal/login"
	"trendwatch/internal/notify"
	"trendwatch/internal/registry"
	"trendwatch/internal/runlog"
	"trendwatch/internal/scheduler"
	"trendwatch/internal/snapshot"
	"trendwatch/internal/upstream"
	"trendwatch/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the scheduler, the collectors and the http api.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			serviceutil.Fatal("read config", err)
		}
		logFile := telemetry.InitSlog(cfg.LogOptions(verbose))
		defer logFile.Close()

		ctx := serviceutil.SignalContext()
		serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) {
	otelProviders, err := telemetry.Setup(ctx, "trendwatch", cfg.Telemetry)
	if err != nil {
		serviceutil.Fatal("setup telemetry", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		otelProviders.Shutdown(shutdownCtx)
	}()
	telemetry.InstrumentPerfStats(ctx)

	tel := telemetry.SlogAPI{}

	clock, err := chrono.NewStandardImpl(cfg.Timezone)
	if err != nil {
		serviceutil.Fatal("load timezone", err)
	}

	database, err := db.Open(ctx, cfg.Database)
	if err != nil {
		serviceutil.Fatal("open database", err)
	}
	defer database.Close()
	qry := db.New(database)

	store := credential.NewStore(qry, clock, tel)
	err = store.Load(ctx)
	if err != nil {
		serviceutil.Fatal("load credential", err)
	}
	seedCredential(ctx, store)

	var sender notify.Sender = notify.LogSender{Tel: tel}
	if cfg.Smtp.Enabled() {
		sender = notify.NewEmailSender(cfg.Smtp)
	}
	notifier := notify.NewNotifier(sender, tel, 64)
	go notifier.Run(ctx)
	store.Subscribe(notifier.CredentialListener())

	if cfg.CookieFile != "" {
		watcher := credential.NewWatcher(cfg.CookieFile, store, tel)
		go func() {
			err := watcher.Run(ctx)
			if err != nil {
				slog.Error("cookie file watcher stopped", "err", err)
			}
		}()
	}

	client, err := upstream.NewClient(
		cfg.UpstreamClient(),
		store,
		cfg.Signer(),
		upstream.NewLimiter(cfg.Limiter()),
		tel,
	)
	if err != nil {
		serviceutil.Fatal("create upstream client", err)
	}

	reg := registry.NewRegistry(qry, clock, tel, cfg.Registry())
	snapshots := snapshot.NewStore(qry, db.NewMakeTx(database), tel)
	runs := runlog.NewLog(qry, tel)
	coll := collector.NewCollector(client, snapshots, notifier, clock, tel, cfg.JobTimeout())

	cron := chrono.NewStandardCron(tel, clock.Location())
	defer func() {
		<-cron.Stop().Done()
	}()

	sched := scheduler.NewScheduler(reg, coll, runs, clock, cron, tel, cfg.SchedulerOptions())
	err = sched.Start(ctx)
	if err != nil {
		serviceutil.Fatal("start scheduler", err)
	}
	defer sched.Stop()

	logins := login.NewManager(store, cfg.Chrome(), clock, tel, cfg.LoginSessions())
	defer logins.Close()

	handler := api.NewHandler(api.Options{
		Credentials: store,
		Logins:      logins,
		Registry:    reg,
		Scheduler:   sched,
		Runs:        runs,
		Snapshots:   snapshots,
		Trending:    client,
		Clock:       clock,
		Tel:         tel,
		Metrics:     otelProviders.MetricsHandler,
		AccessToken: cfg.AccessToken,
	})

	err = serviceutil.Serve(ctx, serviceutil.NewHttpServer(cfg.Port, handler))
	if err != nil {
		slog.Error("http server stopped", "err", err)
	}
}

// seedCredential stores the cookie from the environment unless it is already
// the active one.
func seedCredential(ctx context.Context, store *credential.Store) {
	seed := config.SeedCookie()
	if seed == "" {
		return
	}
	current, ok := store.Get()
	if ok && current.Token == seed {
		return
	}
	_, err := store.Set(ctx, seed, credential.SourceManualPaste)
	if err != nil {
		slog.Warn("failed to seed cookie from environment", "err", err)
		return
	}
	slog.Info("seeded cookie from environment", "env", config.CookieEnv, "preview", credential.Preview(seed))
}
