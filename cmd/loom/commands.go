package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/cron"
	"github.com/haasonsaas/loom/internal/sessions"
)

const defaultConfigPath = "loom.yaml"

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return config.Load(path)
}

func configureLogging(cfg *config.Config, debug bool) {
	level := cfg.Logging.SlogLevel()
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent with its heartbeat and scheduler loops",
		Long: `Run the agent runtime. Serve starts the cron scheduler, the heartbeat
loop (when enabled), and the metrics endpoint, then blocks until
SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			configureLogging(cfg, debug)

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildJobsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs",
		Long: `Manage scheduled jobs in the shared state file. A running serve process
rescans the store at least once per second, so changes made here take
effect without a restart.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")

	cmd.AddCommand(
		buildJobsAddCmd(&configPath),
		buildJobsUpdateCmd(&configPath),
		buildJobsListCmd(&configPath),
		buildJobsRemoveCmd(&configPath),
		buildJobsRunCmd(&configPath),
		buildJobsWakeCmd(&configPath),
	)
	return cmd
}

// withApp loads config, builds the runtime without starting its loops,
// runs fn, and tears down.
func withApp(configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	configureLogging(cfg, false)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

// jobFlags is the flag set shared by `jobs add` and `jobs update`.
type jobFlags struct {
	id, name       string
	at             string
	every          time.Duration
	cronExpr, tz   string
	target         string
	text, message  string
	deliveryTarget string
	timeout        time.Duration
	deleteAfter    bool
	disabled       bool
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "Job id (required)")
	cmd.Flags().StringVar(&f.name, "name", "", "Human-readable name")
	cmd.Flags().StringVar(&f.at, "at", "", "One-shot run time (RFC 3339)")
	cmd.Flags().DurationVar(&f.every, "every", 0, "Fixed interval (e.g. 30m)")
	cmd.Flags().StringVar(&f.cronExpr, "cron", "", "Cron expression (5 or 6 fields, or @hourly style)")
	cmd.Flags().StringVar(&f.tz, "tz", "", "IANA timezone for --cron")
	cmd.Flags().StringVar(&f.target, "target", "main", "Session target: main or isolated")
	cmd.Flags().StringVar(&f.text, "text", "", "System event text (target main)")
	cmd.Flags().StringVar(&f.message, "message", "", "Agent turn input (target isolated)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Agent turn timeout (target isolated)")
	cmd.Flags().StringVar(&f.deliveryTarget, "delivery", "", "Delivery target for the turn's reply")
	cmd.Flags().BoolVar(&f.deleteAfter, "delete-after-run", false, "Remove one-shot job after it runs")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "Leave the job disabled")
	cobra.CheckErr(cmd.MarkFlagRequired("id"))
}

func (f *jobFlags) job() (*cron.Job, error) {
	schedule, err := buildSchedule(f.at, f.every, f.cronExpr, f.tz)
	if err != nil {
		return nil, err
	}
	payload, err := buildPayload(f.target, f.text, f.message, f.timeout, f.deliveryTarget)
	if err != nil {
		return nil, err
	}
	return &cron.Job{
		ID:             f.id,
		Name:           f.name,
		Schedule:       schedule,
		Target:         cron.SessionTarget(f.target),
		Payload:        payload,
		Enabled:        !f.disabled,
		DeleteAfterRun: f.deleteAfter,
	}, nil
}

func buildJobsAddCmd(configPath *string) *cobra.Command {
	var flags jobFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Example: `  # Inject a reminder into the main conversation every morning
  loom jobs add --id standup --cron "0 9 * * 1-5" --target main --text "standup in 15 minutes"

  # Run an isolated agent turn once, then remove the job
  loom jobs add --id backfill --at 2026-09-01T03:00:00Z --target isolated \
      --message "backfill the vector index" --delete-after-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := flags.job()
			if err != nil {
				return err
			}
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				if err := a.sched.Add(ctx, job); err != nil {
					return err
				}
				added, err := a.sched.Get(ctx, job.ID)
				if err != nil {
					return err
				}
				fmt.Printf("added %s, next run %s\n", job.ID, formatTime(added.State.NextRun))
				return nil
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func buildJobsUpdateCmd(configPath *string) *cobra.Command {
	var flags jobFlags

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace a scheduled job's definition",
		Long: `Replace an existing job's schedule and payload. The job's run history
is kept and its next run is recomputed from the new schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := flags.job()
			if err != nil {
				return err
			}
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				if err := a.sched.Update(ctx, job); err != nil {
					return err
				}
				updated, err := a.sched.Get(ctx, job.ID)
				if err != nil {
					return err
				}
				fmt.Printf("updated %s, next run %s\n", job.ID, formatTime(updated.State.NextRun))
				return nil
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func buildSchedule(at string, every time.Duration, cronExpr, tz string) (cron.Schedule, error) {
	set := 0
	if at != "" {
		set++
	}
	if every > 0 {
		set++
	}
	if cronExpr != "" {
		set++
	}
	if set != 1 {
		return cron.Schedule{}, fmt.Errorf("exactly one of --at, --every, --cron is required")
	}
	switch {
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("invalid --at value: %w", err)
		}
		return cron.At(t), nil
	case every > 0:
		return cron.Every(every), nil
	default:
		return cron.CronExpr(cronExpr, tz), nil
	}
}

func buildPayload(target, text, message string, timeout time.Duration, deliveryTarget string) (cron.Payload, error) {
	switch cron.SessionTarget(target) {
	case cron.TargetMain:
		return cron.Payload{Kind: cron.PayloadSystemEvent, Text: text}, nil
	case cron.TargetIsolated:
		return cron.Payload{
			Kind:           cron.PayloadAgentTurn,
			Message:        message,
			Timeout:        timeout,
			DeliveryTarget: deliveryTarget,
		}, nil
	default:
		return cron.Payload{}, fmt.Errorf("unknown target %q (want main or isolated)", target)
	}
}

func buildJobsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				jobs, err := a.sched.List(ctx)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Println("no jobs")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTARGET\tENABLED\tNEXT RUN\tLAST STATUS\tLAST RUN")
				for _, job := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
						job.ID,
						job.Target,
						job.Enabled,
						formatTime(job.State.NextRun),
						orDash(string(job.State.LastStatus)),
						formatTime(job.State.LastRun))
				}
				return w.Flush()
			})
		},
	}
}

func buildJobsRemoveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				if err := a.sched.Remove(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", args[0])
				return nil
			})
		},
	}
}

func buildJobsRunCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job now",
		Long: `Run a job immediately in this process. Without --force the job must be
enabled and due; --force bypasses the due check but still respects the
in-flight guard on the job's session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				status, err := a.sched.RunJob(ctx, args[0], force)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", args[0], status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Run even if the job is not due")
	return cmd
}

func buildJobsWakeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Run all currently due jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				ran := a.sched.RunDue(ctx)
				fmt.Printf("ran %d due job(s)\n", ran)
				return nil
			})
		},
	}
}

func buildProfilesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Inspect credential profiles",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List profiles grouped by provider",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(configPath, func(ctx context.Context, a *app) error {
					providers := a.creds.ListProviders()
					if len(providers) == 0 {
						fmt.Println("no profiles")
						return nil
					}
					sort.Strings(providers)
					for _, provider := range providers {
						fmt.Printf("%s:\n", provider)
						for _, id := range a.creds.ListProfiles(provider) {
							fmt.Printf("  %s\n", id)
						}
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show per-profile usage and failure state",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(configPath, func(ctx context.Context, a *app) error {
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "PROFILE\tERRORS\tLAST USED\tCOOLDOWN UNTIL")
					providers := a.creds.ListProviders()
					sort.Strings(providers)
					for _, provider := range providers {
						for _, id := range a.creds.ListProfiles(provider) {
							stats := a.creds.GetStats(id)
							fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
								id,
								stats.ErrorCount,
								formatUnix(stats.LastUsed),
								formatUnix(stats.CooldownUntil))
						}
					}
					return w.Flush()
				})
			},
		},
	)
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show runtime configuration and state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				cfg := a.cfg
				fmt.Printf("agent:      %s (%s/%s)\n", cfg.Agent.ID, cfg.Agent.Provider, cfg.Agent.Model)
				fmt.Printf("context:    %d tokens (%d reserved)\n", cfg.Agent.ContextWindow, cfg.Agent.ReserveTokens)
				fmt.Printf("storage:    %s\n", cfg.Storage.Path)
				fmt.Printf("tools:      profile %s\n", cfg.Tools.Profile)

				hb := "disabled"
				if cfg.Heartbeat.Enabled {
					hb = fmt.Sprintf("every %s", cfg.Heartbeat.Interval)
					if cfg.Heartbeat.ActiveHours != nil {
						hb += fmt.Sprintf(" (%s-%s)", cfg.Heartbeat.ActiveHours.Start, cfg.Heartbeat.ActiveHours.End)
					}
				}
				fmt.Printf("heartbeat:  %s\n", hb)

				jobs, err := a.sched.List(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("jobs:       %d\n", len(jobs))

				mains, err := a.store.List(ctx, cfg.Agent.ID, sessions.ListOptions{Kind: sessions.KindMain})
				if err != nil {
					return err
				}
				fmt.Printf("sessions:   %d main\n", len(mains))

				var profiles []string
				for _, provider := range a.creds.ListProviders() {
					profiles = append(profiles, a.creds.ListProfiles(provider)...)
				}
				fmt.Printf("profiles:   %s\n", orDash(strings.Join(profiles, ", ")))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return formatTime(time.Unix(ts, 0))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
