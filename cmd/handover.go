// File: cmd/handover.go
package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rvellek/clicksight/internal/browser"
	"github.com/rvellek/clicksight/internal/observability"
	"github.com/rvellek/clicksight/internal/session"
)

var handoverFlags struct {
	timeout time.Duration
}

var handoverCmd = &cobra.Command{
	Use:   "handover <url>",
	Short: "Open a page and hand the browser to a human.",
	Long: `Opens the page, snapshots the session state, and pauses automation
so a human can drive the browser. Control returns when the human interrupts
with Ctrl-C or the handover window times out.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		// A handover needs a visible browser regardless of config.
		cfg.Browser.Headless = false
		if cmd.Flags().Changed("timeout") {
			cfg.Session.HandoverTimeout = handoverFlags.timeout
		}

		drv, token, err := browser.Open(cmd.Context(), cfg.Browser, logger)
		if err != nil {
			return err
		}
		defer drv.Close(token)

		ctx := drv.Context()
		if err := drv.Navigate(ctx, args[0]); err != nil {
			return err
		}
		if err := drv.InstallActivityMonitors(ctx); err != nil {
			logger.Warn("Activity monitors unavailable.", zap.Error(err))
		}

		mgr := session.NewManager(cfg.Session, drv, logger)

		done := make(chan string, 1)
		mgr.RegisterCallback(session.EventHandoverTimeout, func(string) {
			select {
			case done <- "timeout":
			default:
			}
		})

		if err := mgr.StartHandover(ctx); err != nil {
			return err
		}
		logger.Info("Browser handed over. Press Ctrl-C to reclaim.",
			zap.String("session_id", mgr.ID()),
			zap.Duration("timeout", cfg.Session.HandoverTimeout),
		)

		sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var reason string
		select {
		case <-sigCtx.Done():
			reason = "interrupt"
		case reason = <-done:
		}

		if report, err := drv.DetectHumanActivity(ctx); err == nil && report != nil {
			logger.Info("Human activity during handover.",
				zap.Int("clicks", report.Clicks),
				zap.Int("keys", report.Keys),
				zap.Int("scrolls", report.Scrolls),
			)
		}

		if reason == "interrupt" {
			if err := mgr.EndHandover(ctx); err != nil {
				logger.Warn("Could not end handover cleanly.", zap.Error(err))
			}
		}
		_ = drv.RemoveActivityMonitors(ctx)

		if err := mgr.Cleanup(ctx); err != nil {
			return err
		}
		logger.Info("Handover finished.", zap.String("reason", reason))
		return nil
	},
}

func init() {
	handoverCmd.Flags().DurationVar(&handoverFlags.timeout, "timeout", 30*time.Minute, "how long the human keeps the browser")
	rootCmd.AddCommand(handoverCmd)
}
