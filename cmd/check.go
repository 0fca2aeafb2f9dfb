package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smazurov/upscaler/internal/config"
	"github.com/smazurov/upscaler/internal/logging"
	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/supervisor"
	"github.com/smazurov/upscaler/internal/upscale"
)

// CreateCheckCmd creates the check command. Without arguments it verifies the waifu2x
// resources; given an input and output it also runs one job locally, without a worker.
func CreateCheckCmd() *cobra.Command {
	var (
		configFile   string
		resourceRoot string
		executable   string
		scale        int
		quiet        bool
	)

	cmd := &cobra.Command{
		Use:   "check [input output]",
		Short: "Verify the waifu2x executable and models",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <input> <output>, got %d", len(args))
			}
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			rt, err := config.LoadRuntime(configFile)
			if err != nil {
				return err
			}
			logging.Initialize(logging.Config{Level: "info", Format: "text", Modules: rt.Logging.Modules})
			logger := logging.GetLogger("check")

			var notifier progress.Notifier
			if !quiet {
				notifier = progress.NotifierFunc(func(ev progress.Event) {
					fmt.Fprintf(c.ErrOrStderr(), "\r%6.2f%%", ev.Percentage)
				})
			}

			sup, err := supervisor.New(supervisor.Config{
				ResourceRoot: resourceRoot,
				Executable:   executable,
				Options:      rt.Waifu2x,
			}, notifier, supervisor.Hooks{}, logger)
			if err != nil {
				return err
			}

			res, err := sup.Check()
			if err != nil {
				return err
			}
			if err := res.EnsureExecutable(); err != nil {
				logger.Warn("Could not mark executable", "path", res.Executable, "error", err)
			}

			out := c.OutOrStdout()
			fmt.Fprintf(out, "executable: %s\n", res.Executable)
			fmt.Fprintf(out, "models:     %s (%d files)\n", res.ModelDir, len(res.ModelFiles))

			if len(args) == 0 {
				return nil
			}

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = sup.Run(ctx, upscale.Request{InputPath: args[0], OutputPath: args[1], Scale: scale})
			if !quiet {
				fmt.Fprintln(c.ErrOrStderr())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s\n", args[1])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "upscaler.toml", "Config file with the [waifu2x] section")
	cmd.Flags().StringVar(&resourceRoot, "resource-root", ".", "Directory holding the executable and models")
	cmd.Flags().StringVar(&executable, "executable", "waifu2x-ncnn-vulkan", "Executable, relative to the resource root")
	cmd.Flags().IntVarP(&scale, "scale", "s", upscale.Scale2x, "Scale factor for a local run")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")

	return cmd
}
