package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/smazurov/upscaler/internal/logging"
	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/rpc"
	"github.com/smazurov/upscaler/internal/session"
	"github.com/smazurov/upscaler/internal/upscale"
	"github.com/smazurov/upscaler/internal/version"
)

// CreateUpscaleCmd creates the upscale command, a client of a running worker.
func CreateUpscaleCmd() *cobra.Command {
	var (
		url            string
		token          string
		scale          int
		timeout        time.Duration
		connectTimeout time.Duration
		quiet          bool
		logJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "upscale <input> <output>",
		Short: "Upscale one image on a running worker",
		Long: `Connects to a worker over NATS, submits one upscale request and prints progress ` +
			`until the worker replies. Relative paths are made absolute against the current ` +
				`directory; the worker opens them on its own filesystem.`,
		Args: cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			loggingConfig := logging.Config{Level: "warn", Format: "text"}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("session")

			req, err := newRequest(args[0], args[1], scale)
			if err != nil {
				return err
			}

			sessionID := uuid.NewString()
			dialer := &rpc.NATSDialer{
				URL:      url,
				ClientID: sessionID,
				Name:     version.ClientName("client"),
				Token:    token,
				Logger:   logging.GetLogger("rpc"),
			}
			mgr, err := session.New(session.Config{ID: sessionID, RequestTimeout: timeout}, dialer, logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = mgr.Close()
			}()

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr.EnsureConnected()
			connectCtx, cancelConnect := context.WithTimeout(ctx, connectTimeout)
			err = mgr.WaitForState(connectCtx, session.StateConnected)
			cancelConnect()
			if err != nil {
				return fmt.Errorf("worker at %s not reachable (state %s): %w", url, mgr.State(), err)
			}

			if !quiet {
				if err := mgr.SetProgressCallback(func(ev progress.Event) {
					fmt.Fprintf(c.ErrOrStderr(), "\r%s %6.2f%%", ev.JobID, ev.Percentage)
				}); err != nil {
					logger.Warn("Progress updates unavailable", "error", err)
				}
			}

			started := time.Now()
			err = mgr.Submit(ctx, req)
			if !quiet {
				fmt.Fprintln(c.ErrOrStderr())
			}
			if err != nil {
				var upErr *upscale.Error
				if errors.As(err, &upErr) && upErr.Diagnostic != "" {
					fmt.Fprintln(c.ErrOrStderr(), upErr.Diagnostic)
				}
				return err
			}

			fmt.Fprintf(c.OutOrStdout(), "%s (%s)\n", req.OutputPath, time.Since(started).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "nats://127.0.0.1:4222", "Worker NATS URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("UPSCALER_NATS_TOKEN"), "Worker NATS token")
	cmd.Flags().IntVarP(&scale, "scale", "s", upscale.Scale2x, "Scale factor (2, 3 or 4)")
	cmd.Flags().DurationVar(&timeout, "timeout", session.DefaultRequestTimeout, "Request timeout")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "How long to wait for the worker")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")

	return cmd
}

// newRequest builds a validated request. Relative paths are resolved against the
// client's working directory before they are sent.
func newRequest(input, output string, scale int) (upscale.Request, error) {
	req := upscale.Request{InputPath: input, OutputPath: output, Scale: scale}
	if err := req.Validate(); err != nil {
		return upscale.Request{}, err
	}
	var err error
	if req.InputPath, err = filepath.Abs(input); err != nil {
		return upscale.Request{}, fmt.Errorf("resolve input path: %w", err)
	}
	if req.OutputPath, err = filepath.Abs(output); err != nil {
		return upscale.Request{}, fmt.Errorf("resolve output path: %w", err)
	}
	return req, nil
}
