// File: cmd/run.go
package cmd

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rvellek/clicksight/internal/agent"
	"github.com/rvellek/clicksight/internal/browser"
	"github.com/rvellek/clicksight/internal/observability"
	"github.com/rvellek/clicksight/internal/session"
	"github.com/rvellek/clicksight/internal/vision/provider"
)

var runFlags struct {
	goal     string
	selector string
	maxSteps int
	model    string
	prov     string
	keepOpen bool
	remote   string
	headless bool
}

var runCmd = &cobra.Command{
	Use:   "run <url>",
	Short: "Run the vision click loop against a page.",
	Long: `Opens the page, screenshots the target element, asks the configured
vision provider where to click, dispatches the click, and repeats until the
step budget is exhausted or a navigation occurs. The run log is printed as
JSON on stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		applyRunFlags(cmd)

		var (
			drv   *browser.Driver
			token *browser.OwnershipToken
			err   error
		)
		if cfg.Browser.RemoteURL != "" {
			drv, err = browser.Attach(ctx, cfg.Browser, logger)
		} else {
			drv, token, err = browser.Open(ctx, cfg.Browser, logger)
		}
		if err != nil {
			return err
		}
		defer drv.Close(token)

		vision := provider.New(cfg.Vision, logger)
		a := agent.New(cfg.Agent, drv, vision, logger)

		// The session manager arbitrates page access; even without a
		// handover in this flow, its cleanup removes any stale state file.
		mgr := session.NewManager(cfg.Session, drv, logger)
		a.SetArbiter(mgr)
		defer func() {
			if err := mgr.Cleanup(drv.Context()); err != nil {
				logger.Warn("Session cleanup failed.", zap.Error(err))
			}
		}()

		runLog, err := a.Run(drv.Context(), args[0], runFlags.goal)
		if err != nil {
			return err
		}

		logger.Info("Run finished.",
			zap.String("status", runLog.Status),
			zap.Int("steps", len(runLog.Steps)),
		)

		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(runLog, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode run log: %w", err)
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

// applyRunFlags overlays explicitly set flags onto the loaded configuration.
func applyRunFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("selector") {
		cfg.Agent.Selector = runFlags.selector
	}
	if cmd.Flags().Changed("max-steps") {
		cfg.Agent.MaxSteps = runFlags.maxSteps
	}
	if cmd.Flags().Changed("model") {
		cfg.Vision.Model = runFlags.model
	}
	if cmd.Flags().Changed("provider") {
		cfg.Vision.Provider = runFlags.prov
	}
	if cmd.Flags().Changed("keep-open") {
		cfg.Browser.KeepOpen = runFlags.keepOpen
	}
	if cmd.Flags().Changed("remote") {
		cfg.Browser.RemoteURL = runFlags.remote
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = runFlags.headless
	}
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.goal, "goal", "g", "", "what the click run is trying to accomplish")
	runCmd.Flags().StringVarP(&runFlags.selector, "selector", "s", "body", "CSS selector of the element shown to the model")
	runCmd.Flags().IntVar(&runFlags.maxSteps, "max-steps", 3, "step budget for the run")
	runCmd.Flags().StringVarP(&runFlags.model, "model", "m", "", "vision model name")
	runCmd.Flags().StringVarP(&runFlags.prov, "provider", "p", "", "vision provider (openai, zai, none)")
	runCmd.Flags().BoolVar(&runFlags.keepOpen, "keep-open", false, "leave the browser running after the run")
	runCmd.Flags().StringVar(&runFlags.remote, "remote", "", "attach to a running browser (DevTools websocket URL)")
	runCmd.Flags().BoolVar(&runFlags.headless, "headless", false, "run the browser headless")

	rootCmd.AddCommand(runCmd)
}
