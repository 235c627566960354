package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"delegate-server/internal/app"
	"delegate-server/internal/config"
	"delegate-server/internal/db"
)

var (
	version = "dev"
	commit  = "none"
)

// overrides are command-line values that take precedence over the
// environment.
type overrides struct {
	envFile    string
	listenAddr string
	serverID   string
	noLauncher bool
}

func (o *overrides) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	fs.StringVar(&o.listenAddr, "listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	fs.StringVar(&o.serverID, "server-id", "", "server identity (overrides SERVER_ID)")
	fs.BoolVar(&o.noLauncher, "no-launcher", false, "accept jobs without executing them")
}

// load reads configuration and applies the flags that were set.
func (o *overrides) load(fs *pflag.FlagSet) (*config.Config, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", o.envFile, err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if fs.Changed("listen") {
		cfg.ListenAddr = o.listenAddr
	}
	if fs.Changed("server-id") {
		cfg.ServerID = o.serverID
	}
	if o.noLauncher {
		cfg.LauncherEnabled = false
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &overrides{}
	root := &cobra.Command{
		Use:           "delegate-server",
		Short:         "Delegation server for externally executed scan jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(root.PersistentFlags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the job launcher and the cancel reconciler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(os.Stderr, cfg))
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Flags())
			if err != nil {
				return err
			}
			writeDB, err := db.Open(cfg.MetaDBPath, db.ModeWrite, 0)
			if err != nil {
				return err
			}
			defer writeDB.Close() //nolint:errcheck
			return db.Migrate(writeDB)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "delegate-server %s (commit: %s)\n", version, commit)
		},
	}

	root.AddCommand(serveCmd, migrateCmd, versionCmd)
	return root
}

// newLogger returns a JSON logger in production and a text logger otherwise.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	writeDB, readDB, err := db.OpenPair(cfg.MetaDBPath, 4)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer readDB.Close()  //nolint:errcheck
	defer writeDB.Close() //nolint:errcheck

	if err := db.Migrate(writeDB); err != nil {
		return fmt.Errorf("migrate job store: %w", err)
	}

	a, err := app.New(ctx, app.Deps{Cfg: cfg, WriteDB: writeDB, ReadDB: readDB, Logger: logger})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP API listening", "addr", cfg.ListenAddr, "server_id", cfg.ServerID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := a.Reconciler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		a.Reconciler.Stop()
		return nil
	})

	if a.Launcher != nil {
		g.Go(func() error {
			if err := a.Launcher.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			a.Launcher.Stop()
			return nil
		})
	} else {
		logger.Info("launcher disabled, jobs are admitted but not executed")
	}

	g.Go(func() error {
		a.RateLimiter.Janitor(gctx, 5*time.Minute)
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
