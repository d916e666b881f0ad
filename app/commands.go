package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"crdt-sync/pkg/auth"
	"crdt-sync/pkg/config"
	"crdt-sync/pkg/loadtest"
	"crdt-sync/pkg/router"
)

// Version is set at build time with -ldflags "-X crdt-sync/app.Version=...".
var Version = "dev"

var (
	configPath string
	envFiles   []string

	ltServer   string
	ltDocument string
	ltUsers    int
	ltDuration time.Duration
	ltScenario string
	ltRampUp   time.Duration
	ltPlan     string
	ltSecret   string

	rootCmd = &cobra.Command{
		Use:           "crdt-sync",
		Short:         "Real-time collaborative document sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a sync process (websocket sessions, history, health)",
		RunE:  runServe,
	}

	routeCmd = &cobra.Command{
		Use:   "route",
		Short: "Run the sticky routing proxy in front of sync processes",
		RunE:  runRoute,
	}

	loadtestCmd = &cobra.Command{
		Use:   "loadtest",
		Short: "Simulate concurrent editors against a running server and check convergence",
		RunE:  runLoadtest,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "crdt-sync", Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	f := loadtestCmd.Flags()
	f.StringVar(&ltServer, "server", "http://localhost:8080", "sync server (or router) base URL")
	f.StringVar(&ltDocument, "document", "", "document id (empty for a fresh document)")
	f.IntVar(&ltUsers, "users", 10, "number of simulated editors")
	f.DurationVar(&ltDuration, "duration", 2*time.Minute, "editing time per user")
	f.StringVar(&ltScenario, "scenario", "normal", "editing pattern: normal, aggressive, code, review")
	f.DurationVar(&ltRampUp, "rampup", 10*time.Second, "time over which users connect")
	f.StringVar(&ltPlan, "plan", "", "preset overriding users/duration/scenario: light, medium, heavy, stress")
	f.StringVar(&ltSecret, "secret", os.Getenv("CRDT_JWT_SECRET"), "HS256 secret used to sign per-user tokens")

	rootCmd.AddCommand(serveCmd, routeCmd, loadtestCmd, versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return err
	}
	logger, err := NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	srv, err := NewServer(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	return srv.Run(ctx)
}

func runRoute(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath, envFiles...)
	if err != nil {
		return err
	}
	if err := cfg.ValidateRouter(); err != nil {
		return err
	}
	logger, err := NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	backends := make([]router.BackendConfig, 0, len(cfg.Router.Backends))
	for _, b := range cfg.Router.Backends {
		backends = append(backends, router.BackendConfig{ID: b.ID, URL: b.URL})
	}
	rt, err := router.New(router.Config{
		Backends:   backends,
		Method:     cfg.Router.Method,
		CookieName: cfg.Router.Cookie,
		Cooldown:   cfg.Router.Cooldown,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	hs := &http.Server{
		Addr:              cfg.Router.Addr,
		Handler:           rt.Handler("/_router/status"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("router listening", "addr", hs.Addr, "method", cfg.Router.Method, "backends", len(backends))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runLoadtest(cmd *cobra.Command, _ []string) error {
	logger, err := NewLogger(config.LogConfig{Level: "info", Format: "text"}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg := loadtest.Config{
		ServerURL: ltServer,
		Document:  ltDocument,
		Users:     ltUsers,
		Duration:  ltDuration,
		Scenario:  ltScenario,
		RampUp:    ltRampUp,
		Logger:    logger,
	}
	if ltPlan != "" {
		plan, ok := loadtest.Plans[ltPlan]
		if !ok {
			return fmt.Errorf("unknown plan %q", ltPlan)
		}
		cfg.Users, cfg.Duration, cfg.Scenario, cfg.RampUp = plan.Users, plan.Duration, plan.Scenario, plan.RampUp
		logger.Info("using plan", "plan", plan.Name)
	}
	if ltSecret != "" {
		signer := auth.NewHMACVerifier(ltSecret, 0)
		ttl := cfg.Duration + time.Hour
		cfg.Token = func(user string) (string, error) {
			return signer.Sign(user, user, ttl)
		}
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	report, err := loadtest.Run(ctx, cfg)
	if report != nil {
		report.Print(cmd.OutOrStdout())
	}
	if err != nil {
		return err
	}
	if !report.Consistent {
		return errors.New("replicas did not converge")
	}
	return nil
}
