package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kmansel/gridrunner/api/schemas"
	"github.com/kmansel/gridrunner/internal/browserpool"
	"github.com/kmansel/gridrunner/internal/observability"
	"github.com/kmansel/gridrunner/internal/statestore"
	"github.com/kmansel/gridrunner/pkg/pagedriver"
)

// newCaptureCmd creates the `capture` command: log in once, snapshot the
// session, and persist it under a state id for later seeding.
func newCaptureCmd() *cobra.Command {
	var (
		stateID    string
		targetName string
		loginURL   string
		username   string
		password   string
	)

	captureCmd := &cobra.Command{
		Use:   "capture",
		Short: "Performs a login and persists the resulting session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			target, err := resolveTarget(cfg.Targets, targetName)
			if err != nil {
				return err
			}

			store, dbPool, err := openStore(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			if dbPool != nil {
				defer dbPool.Close()
			}

			pool := browserpool.NewDefault(cfg.Pool, logger)
			defer func() {
				if err := pool.Shutdown(context.Background()); err != nil {
					logger.Warn("Error during pool shutdown", zap.Error(err))
				}
			}()

			lease, err := pool.Acquire(ctx, target, nil)
			if err != nil {
				return fmt.Errorf("failed to acquire browser context: %w", err)
			}
			defer lease.Close(context.Background())

			if username != "" {
				login := pagedriver.NewLoginPage(pagedriver.NewCDP(lease.Run))
				if err := login.Login(ctx, loginURL, username, password); err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
			} else {
				drv := pagedriver.NewCDP(lease.Run)
				if err := drv.Navigate(ctx, loginURL); err != nil {
					return err
				}
			}

			state, err := statestore.Capture(lease.CDPContext())
			if err != nil {
				return err
			}
			if err := store.Persist(ctx, stateID, state); err != nil {
				return err
			}

			logger.Info("Session state captured.",
				zap.String("state_id", stateID),
				zap.Int("cookies", len(state.Cookies)),
				zap.Int("origins", len(state.Origins)))
			fmt.Printf("Captured session state %q (%d cookies)\n", stateID, len(state.Cookies))
			return nil
		},
	}

	captureCmd.Flags().StringVar(&stateID, "state-id", "", "Identifier to persist the session state under")
	captureCmd.Flags().StringVar(&targetName, "target", "", "Engine target to capture with (default: first configured)")
	captureCmd.Flags().StringVar(&loginURL, "url", "", "URL of the login page")
	captureCmd.Flags().StringVar(&username, "username", "", "Username to submit; omit to capture without logging in")
	captureCmd.Flags().StringVar(&password, "password", "", "Password to submit")
	_ = captureCmd.MarkFlagRequired("state-id")
	_ = captureCmd.MarkFlagRequired("url")

	return captureCmd
}

// resolveTarget picks the named target, or the first one when name is empty.
func resolveTarget(targets []schemas.EngineTarget, name string) (schemas.EngineTarget, error) {
	if len(targets) == 0 {
		return schemas.EngineTarget{}, fmt.Errorf("no engine targets configured")
	}
	if name == "" {
		return targets[0], nil
	}
	for _, t := range targets {
		if t.Name == name {
			return t, nil
		}
	}
	return schemas.EngineTarget{}, fmt.Errorf("unknown engine target %q", name)
}
