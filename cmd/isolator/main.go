package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/developingchet/identity-isolator/internal/api"
	"github.com/developingchet/identity-isolator/internal/browser"
	"github.com/developingchet/identity-isolator/internal/config"
	"github.com/developingchet/identity-isolator/internal/ippool"
	"github.com/developingchet/identity-isolator/internal/isolation"
	"github.com/developingchet/identity-isolator/internal/logger"
	"github.com/developingchet/identity-isolator/internal/pool"
	"github.com/developingchet/identity-isolator/internal/session"
	"github.com/developingchet/identity-isolator/internal/storage"
	"github.com/developingchet/identity-isolator/internal/useragent"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "identity-isolator",
		Short:         "Per-user browser identity isolation: proxy IPs, profiles and user agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		ipCmd(),
		sessionsCmd(),
		browserCmd(),
	)
	return root
}

// service is the wired component graph shared by the daemon and the
// one-shot commands.
type service struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    storage.Store
	ips      *ippool.Manager
	sessions *session.Manager
	agents   *useragent.Rotator
	coord    *isolation.Coordinator
}

// openService loads config and opens the store. bbolt holds an exclusive file
// lock, so one-shot commands cannot run alongside the daemon.
func openService() (*service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ips := ippool.NewManager(store, ippool.Config{
		FailureThreshold: cfg.FailureThreshold,
		CandidateLimit:   cfg.CandidateLimit,
		ClaimRounds:      cfg.ClaimRounds,
		ClaimBackoff:     cfg.ClaimBackoff,
		MaxUsersPerIP:    cfg.MaxUsersPerIP,
	}, log)
	if err := ips.Initialize(); err != nil {
		log.Error().Err(err).Msg("ip manager unavailable; ip operations will fail")
	}

	sessions, err := session.NewManager(cfg.SessionBaseDir, store, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init sessions: %w", err)
	}

	agents := useragent.New(log)
	if cfg.UserAgentsFile != "" {
		// Falls back to the built-in list; already logged.
		_ = agents.LoadAgents(cfg.UserAgentsFile)
	}

	return &service{
		cfg:      cfg,
		log:      log,
		store:    store,
		ips:      ips,
		sessions: sessions,
		agents:   agents,
		coord:    isolation.NewCoordinator(ips, sessions, agents, cfg.SessionMaxAge, log),
	}, nil
}

func (s *service) Close() error {
	return s.store.Close()
}

func (s *service) launchOptions() browser.LaunchOptions {
	return browser.LaunchOptions{Headless: s.cfg.BrowserHeadless, Bin: s.cfg.BrowserBin}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the isolation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	cfg, log := svc.cfg, svc.log
	log.Info().Str("version", Version).Msg("identity-isolator starting")

	workers, err := pool.New(pool.Config{
		Workers:    cfg.PoolWorkers,
		QueueDepth: cfg.PoolQueueDepth,
		MaxRetries: cfg.PoolMaxRetries,
		RetryBase:  cfg.PoolRetryBase,
	}, svc.sessions.HandleJob, log)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	svc.sessions.SetQueue(workers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Workers outlive the errgroup so deletions queued by requests still
	// draining are processed by Stop.
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	workers.Start(poolCtx)

	g, gctx := errgroup.WithContext(ctx)

	janitor := isolation.NewJanitor(svc.coord, svc.ips, svc.sessions, svc.store, workers,
		cfg.JanitorInterval, cfg.IPMaxAge, log.With().Str("component", "janitor").Logger())
	g.Go(func() error {
		return janitor.Run(gctx)
	})

	srv := api.New(svc.coord, svc.ips, svc.launchOptions(), cfg.APIToken, log)
	g.Go(func() error {
		return srv.Serve(gctx, cfg.APIAddr)
	})

	if cfg.MetricsEnabled {
		g.Go(func() error {
			return api.ServeHandler(gctx, "metrics", cfg.MetricsAddr, api.MetricsHandler(), log)
		})
	}

	g.Go(func() error {
		return api.ServeHandler(gctx, "health", cfg.HealthAddr, api.HealthHandler(svc.ips), log)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// The API has drained; later rotations fall back to inline deletion.
	workers.Stop()
	cancelPool()
	svc.coord.Cleanup()
	log.Info().Msg("identity-isolator stopped")
	return nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "identity-isolator %s\n", Version)
		},
	}
}

// withService opens the store for a one-shot command and closes it afterwards.
func withService(fn func(ctx context.Context, svc *service) error) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(context.Background(), svc)
}

func ipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ip",
		Short: "Manage the proxy IP pool (daemon must be stopped)",
	}
	cmd.AddCommand(ipAddCmd(), ipListCmd(), ipRemoveCmd(), ipBanCmd(), ipStatsCmd())
	return cmd
}

func ipAddCmd() *cobra.Command {
	var req ippool.AddIPRequest
	cmd := &cobra.Command{
		Use:   "add <address> <port>",
		Short: "Add a proxy endpoint to the pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			req.Address, req.Port = args[0], port
			return withService(func(ctx context.Context, svc *service) error {
				id, err := svc.ips.AddIP(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Protocol, "protocol", "http", "proxy protocol: http, https, socks4, socks5")
	cmd.Flags().StringVar(&req.Username, "username", "", "proxy username")
	cmd.Flags().StringVar(&req.Password, "password", "", "proxy password")
	cmd.Flags().StringVar(&req.Provider, "provider", "manual", "provider tag")
	return cmd
}

func ipListCmd() *cobra.Command {
	var status, provider string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pooled IPs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := storage.IPFilter{Status: storage.IPStatus(status), Provider: provider, Limit: limit}
			if f.Status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withService(func(ctx context.Context, svc *service) error {
				recs, err := svc.ips.ListIPs(ctx, f)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tADDRESS\tPORT\tPROTOCOL\tSTATUS\tUSERS\tFAILURES\tPROVIDER")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
						r.ID, r.Address, r.Port, r.Protocol, r.Status, len(r.AssignedUsers), r.FailureCount, r.Provider)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status: available, in_use, banned")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of rows (0 = all)")
	return cmd
}

func ipRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an IP and reassign its users",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service) error {
				n, err := svc.ips.RemoveIP(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%d users reassigned)\n", args[0], n)
				return nil
			})
		},
	}
}

func ipBanCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "ban <id>",
		Short: "Ban an IP and move its users elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service) error {
				rec, err := svc.ips.BanIP(ctx, args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "banned %s (%s)\n", rec.ID, ippool.MaskAddress(rec.Address))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "Manual ban", "ban reason")
	return cmd
}

func ipStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service) error {
				s, err := svc.ips.GetStats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"total=%d available=%d in_use=%d banned=%d assignments=%d utilization=%.1f%%\n",
					s.TotalIPs, s.Available, s.InUse, s.Banned, s.TotalAssignments, s.Utilization)
				return nil
			})
		},
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage browser profile directories (daemon must be stopped)",
	}
	var maxAge time.Duration
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Delete sessions and orphaned directories older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ context.Context, svc *service) error {
				age := maxAge
				if age <= 0 {
					age = svc.cfg.SessionMaxAge
				}
				n, err := svc.sessions.CleanOldSessions(age)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleaned %d sessions\n", n)
				return nil
			})
		},
	}
	clean.Flags().DurationVar(&maxAge, "max-age", 0, "age cutoff (default SESSION_MAX_AGE)")
	cmd.AddCommand(clean)
	return cmd
}

func browserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Drive Chrome with a user's isolated identity (daemon must be stopped)",
	}
	var timeout time.Duration
	open := &cobra.Command{
		Use:   "open <user> <url>",
		Short: "Open url as user through their proxy and profile, then print the page title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *service) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				cfg := svc.coord.GetBrowserConfigForUser(ctx, args[0])
				if cfg.PoolExhausted {
					svc.log.Warn().Str("user_id", args[0]).Msg("no proxy available, browsing directly")
				}
				sess, err := browser.Open(ctx, cfg, svc.launchOptions(), svc.log)
				if err != nil {
					return err
				}
				defer sess.Close()

				if err := sess.Page.Navigate(args[1]); err != nil {
					return fmt.Errorf("navigate: %w", err)
				}
				if err := sess.Page.WaitLoad(); err != nil {
					return fmt.Errorf("wait load: %w", err)
				}
				info, err := sess.Page.Info()
				if err != nil {
					return fmt.Errorf("page info: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", info.URL, info.Title)
				return nil
			})
		},
	}
	open.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")
	cmd.AddCommand(open)
	return cmd
}
