package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shohag/outreach/internal/api"
	"github.com/shohag/outreach/internal/campaign"
	"github.com/shohag/outreach/internal/importer"
	"github.com/shohag/outreach/internal/lock"
	"github.com/shohag/outreach/internal/models"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/report"
	"github.com/shohag/outreach/internal/scheduler"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "outreach",
		Short:        "outreach: warmup-aware drip campaign sender for E-Rate prospects",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(runCmd(&configPath))
	rootCmd.AddCommand(previewCmd(&configPath))
	rootCmd.AddCommand(reportCmd(&configPath))
	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(scheduleCmd(&configPath))
	rootCmd.AddCommand(contactsCmd(&configPath))
	rootCmd.AddCommand(unsubscribeCmd(&configPath))
	rootCmd.AddCommand(resumeCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Send today's batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext()
			defer cancel()

			res, err := a.runLocked(ctx, false)
			if err != nil {
				return err
			}
			printRun(res)
			if res.State == campaign.StateHalted && res.Critical {
				return fmt.Errorf("campaign halted: %s", res.HaltReason)
			}
			return nil
		},
	}
}

func previewCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Walk today's run without sending or writing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.runner.Preview(context.Background())
			if err != nil {
				return err
			}
			printRun(res)
			return nil
		},
	}
}

func reportCmd(configPath *string) *cobra.Command {
	var (
		days     int
		xlsxPath string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show campaign progress and deliverability",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newBase(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := report.New(a.store, a.cfg.Warmup.Schedule, a.loc, time.Now).Build(context.Background(), days)
			if err != nil {
				return fmt.Errorf("failed to build report: %w", err)
			}

			if xlsxPath != "" {
				f, err := os.Create(xlsxPath)
				if err != nil {
					return err
				}
				if err := report.WriteXLSX(rep, f); err != nil {
					f.Close()
					return fmt.Errorf("failed to write workbook: %w", err)
				}
				if err := f.Close(); err != nil {
					return err
				}
				a.log.Info().Str("path", xlsxPath).Msg("report exported")
			}

			if asJSON {
				out, _ := json.MarshalIndent(rep, "", "  ")
				fmt.Println(string(out))
				return nil
			}
			fmt.Print(rep.Summary())
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of daily rows to include")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also write the report to this .xlsx file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the unsubscribe endpoint and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newBase(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			server := api.NewServer(a.cfg.Server, a.store, api.Options{
				UnsubscribeSecret: a.cfg.Compliance.UnsubscribeSecret,
				CompanyName:       a.cfg.Compliance.CompanyName,
				Schedule:          a.cfg.Warmup.Schedule,
				Location:          a.loc,
			}, a.log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					a.log.Fatal().Err(err).Msg("server error")
				}
			}()

			a.log.Info().
				Str("version", version).
				Int("port", a.cfg.Server.Port).
				Str("storage", a.cfg.Storage.Driver).
				Msg("outreach API is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			a.log.Info().Msg("shutting down...")
			if err := server.Shutdown(10 * time.Second); err != nil {
				a.log.Error().Err(err).Msg("server shutdown error")
			}
			return nil
		},
	}
}

func scheduleCmd(configPath *string) *cobra.Command {
	var spec string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the daily send on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if spec == "" {
				spec = a.cfg.Schedule.Cron
			}

			ctx, cancel := signalContext()
			defer cancel()

			sched := scheduler.New(ctx, a.loc, a.log)
			err = sched.Add("daily-run", spec, func(ctx context.Context) error {
				res, err := a.runLocked(ctx, false)
				if errors.Is(err, lock.ErrLocked) {
					a.log.Warn().Msg("another run holds today's lock, skipping")
					return nil
				}
				if err != nil {
					return err
				}
				printRun(res)
				return nil
			})
			if err != nil {
				return err
			}

			sched.Start()
			<-ctx.Done()
			a.log.Info().Msg("shutting down scheduler...")
			sched.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "cron spec overriding schedule.cron")
	return cmd
}

func contactsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the prospect list",
	}

	var tier, file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import contacts from a CSV or XLSX file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			a, err := newBase(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := importer.New(a.store, a.log).ImportFile(context.Background(), file, f, tier)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	importCmd.Flags().StringVar(&tier, "tier", "", "tier for rows without a tier column")
	importCmd.Flags().StringVar(&file, "file", "", "path to a .csv or .xlsx file")

	cmd.AddCommand(importCmd)
	return cmd
}

func unsubscribeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Manage opt-outs",
	}

	var reason string
	addCmd := &cobra.Command{
		Use:   "add EMAIL",
		Short: "Record an opt-out received outside the unsubscribe link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newBase(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			added, err := a.store.AddUnsubscribe(context.Background(), &models.Unsubscribe{
				Email:     args[0],
				Reason:    reason,
				Source:    "manual",
				CreatedAt: now.UTC(),
			}, policy.DateKey(now, a.loc))
			if err != nil {
				return fmt.Errorf("failed to record unsubscribe: %w", err)
			}
			if !added {
				fmt.Printf("%s was already unsubscribed\n", models.NormalizeEmail(args[0]))
				return nil
			}
			fmt.Printf("%s unsubscribed\n", models.NormalizeEmail(args[0]))
			return nil
		},
	}
	addCmd.Flags().StringVar(&reason, "reason", "", "free-form reason kept with the opt-out")

	cmd.AddCommand(addCmd)
	return cmd
}

func resumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear a critical halt so runs may send again",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newBase(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			reason, halted, err := a.store.GetState(ctx, models.StateHaltReason)
			if err != nil {
				return err
			}
			if !halted {
				fmt.Println("Campaign is not halted.")
				return nil
			}
			if err := campaign.Resume(ctx, a.store); err != nil {
				return fmt.Errorf("failed to resume: %w", err)
			}
			a.log.Warn().Str("previous_reason", reason).Msg("campaign resumed by operator")
			fmt.Println("Campaign resumed.")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newBase(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("outreach v%s\n", version)
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printRun(res *campaign.RunResult) {
	mode := "run"
	if res.DryRun {
		mode = "preview"
	}
	fmt.Printf("%s finished: %s (day %d, limit %d)\n", mode, res.State, res.CampaignDay, res.DailyLimit)
	fmt.Printf("  queued %d, sent %d, previewed %d, skipped %d, bounced %d, failed %d\n",
		res.Queued, res.Dispatched, res.Previewed, res.Skipped, res.Bounced, res.Failed)
	if res.HaltReason != "" {
		fmt.Printf("  halted: %s\n", res.HaltReason)
	}
	if res.Report != nil {
		fmt.Println()
		fmt.Print(res.Report.Summary())
	}
}
