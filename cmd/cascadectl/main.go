package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/developingchet/cascade-guard/internal/config"
	"github.com/developingchet/cascade-guard/internal/guard"
	"github.com/developingchet/cascade-guard/internal/logger"
	"github.com/developingchet/cascade-guard/internal/progress"
	"github.com/developingchet/cascade-guard/internal/realtime"
	"github.com/developingchet/cascade-guard/internal/security"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
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
		Use:           "cascadectl",
		Short:         "Guarded, verified and reversible cascade deletions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		runCmd(),
		previewCmd(),
		deleteCmd(),
		watchCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the long-running daemon: transport, audit delivery, janitor
// and HTTP endpoints.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the guard daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd)
		},
	}
}

func runDaemon(cmd *cobra.Command) error {
	cfg, err := config.Load("", cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("cascade-guard starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	guard.BinaryVersion = Version
	svc, err := guard.Build(ctx, cfg, nil, log)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer svc.Close()

	if err := svc.Authenticate(ctx); err != nil {
		return err
	}
	return svc.Run(ctx)
}

// openService loads config and returns an authenticated service for the
// one-shot commands.
func openService(ctx context.Context, cmd *cobra.Command) (*guard.Service, zerolog.Logger, error) {
	cfg, err := config.Load("", cmd.Flags())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg)
	guard.BinaryVersion = Version
	svc, err := guard.Build(ctx, cfg, nil, log)
	if err != nil {
		return nil, log, fmt.Errorf("build service: %w", err)
	}
	if err := svc.Authenticate(ctx); err != nil {
		_ = svc.Close()
		return nil, log, err
	}
	return svc, log, nil
}

// previewCmd prints the impact summary for an entity.
func previewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <entity-id>",
		Short: "Show what a deletion would remove",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, _, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			p, err := svc.Preview(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", p.DisplayName, p.EntityID)
			for _, item := range p.ImpactItems() {
				fmt.Fprintf(out, "  - %s\n", item)
			}
			for _, w := range p.Warnings {
				fmt.Fprintf(out, "  ! %s\n", w)
			}
			return nil
		},
	}
}

// deleteCmd walks the verification workflow on the terminal, submits the
// deletion and follows it to completion.
func deleteCmd() *cobra.Command {
	var (
		kind         string
		reason       string
		dryRun       bool
		passwordFile string
		noWait       bool
	)
	cmd := &cobra.Command{
		Use:   "delete [entity-id]",
		Short: "Verify and execute a deletion",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			var entityID string
			if len(args) == 1 {
				entityID = args[0]
			}
			if entityID == "" && (k == security.Single || k == security.Cascade) {
				return fmt.Errorf("%s deletion needs an entity id", k)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, log, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			if t := svc.Transport(); t != nil && !noWait {
				if err := t.Connect(ctx); err != nil {
					log.Warn().Err(err).Msg("realtime connect failed; progress will not be shown")
				}
			}

			wf, err := svc.BeginVerification(ctx, k, entityID)
			if err != nil {
				return err
			}
			p := &prompter{in: cmd.InOrStdin(), out: cmd.OutOrStdout()}
			if passwordFile != "" {
				b, err := os.ReadFile(passwordFile)
				if err != nil {
					_ = wf.Cancel()
					return fmt.Errorf("read password file: %w", err)
				}
				p.password = strings.TrimSpace(string(b))
			}
			token, err := p.confirm(ctx, wf)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			op, err := svc.Execute(ctx, token, guard.ExecuteRequest{
				Kind:       k,
				EntityID:   entityID,
				Reason:     reason,
				DryRun:     dryRun,
				OnProgress: printProgress(out),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "operation %s submitted\n", op.ID)
			if noWait {
				return nil
			}
			return waitResult(ctx, svc, op, out)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "single", "deletion kind (single|cascade|bulk|cleanup)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the deletion")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "ask the backend to simulate the deletion")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "read the verification password from a file")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the deletion is submitted")
	return cmd
}

// watchCmd follows an operation submitted elsewhere.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <operation-id>",
		Short: "Follow the progress of a running deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, _, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			t := svc.Transport()
			if t == nil {
				return errors.New("watch needs CASCADE_REALTIME_URL")
			}
			if err := t.Connect(ctx); err != nil {
				return fmt.Errorf("connect realtime: %w", err)
			}
			out := cmd.OutOrStdout()
			op, err := svc.Watch(ctx, args[0], printProgress(out))
			if err != nil {
				return err
			}
			return waitResult(ctx, svc, op, out)
		},
	}
}

// waitResult blocks until op finishes. Interrupting cancels the deletion.
func waitResult(ctx context.Context, svc *guard.Service, op *guard.Operation, out io.Writer) error {
	res, err := op.Wait(ctx)
	if err != nil {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := svc.Cancel(cctx, op.ID); cerr != nil {
			return fmt.Errorf("interrupted; cancel failed: %w", cerr)
		}
		fmt.Fprintf(out, "operation %s cancelled\n", op.ID)
		return err
	}
	fmt.Fprintf(out, "operation %s %s\n", op.ID, res.Status)
	if res.Revert != nil {
		fmt.Fprintf(out, "reverted %d local updates\n", res.Revert.Updates)
		if res.Revert.Partial() {
			fmt.Fprintln(out, "some cached data could not be restored; refresh recommended")
		}
	}
	if res.Status == guard.StatusFailed {
		return fmt.Errorf("deletion failed: %s", res.Error)
	}
	return nil
}

func printProgress(out io.Writer) func(realtime.ProgressEvent, progress.Analytics) {
	return func(ev realtime.ProgressEvent, a progress.Analytics) {
		line := fmt.Sprintf("%5.1f%%  %d processed", ev.Percentage, ev.ProcessedEntities)
		if ev.Step != "" {
			line += "  " + ev.Step
		}
		if a.HasEstimate {
			line += fmt.Sprintf("  eta %s", a.Remaining.Round(time.Second))
		}
		fmt.Fprintln(out, line)
	}
}

func parseKind(s string) (security.OperationKind, error) {
	switch k := security.OperationKind(strings.ToLower(s)); k {
	case security.Single, security.Cascade, security.Bulk, security.Cleanup:
		return k, nil
	}
	return "", fmt.Errorf("unknown deletion kind %q", s)
}

// healthcheckCmd exits 0 if the daemon's health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("", cmd.Flags())
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
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
			fmt.Fprintf(cmd.OutOrStdout(), "cascadectl %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(logger.NewRedactWriter(os.Stderr)).Level(level).With().Timestamp().Logger()
}
