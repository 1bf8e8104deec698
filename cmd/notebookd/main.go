package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

func buildRoot(out outWriter) *cobra.Command {
	g := &GlobalFlags{}
	root := createRootCommand(g)
	c := command{global: g, out: out}
	root.AddCommand(
		createServeCommand(g),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStatusCommand(c),
		createHealthCommand(c),
		createDetectCommand(c),
		createConfigCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "notebookd",
		Short: "Supervise a local Jupyter notebook server",
		Long: `notebookd runs one JupyterLab (or classic Notebook) server, restarts it when it
crashes and exposes its state over a small HTTP API.

Examples:
  notebookd serve --config notebookd.toml   # run the daemon
  notebookd start --port 8890 --dir ~/work  # ask the daemon to start the server
  notebookd status --watch`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return root
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g.ConfigPath)
		},
	}
}

func createStartCommand(c command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the notebook server",
		Long: `Start the notebook server. Flags override the daemon's configured and saved
defaults for this launch only.

Examples:
  notebookd start
  notebookd start --port 8890 --python /opt/conda/bin/python --notebook
  notebookd start --open analysis/report.ipynb`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.UseNotebookSet = cmd.Flags().Changed("notebook")
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Port, "port", 0, "notebook server port (1024-65535)")
	cmd.Flags().StringVar(&f.Python, "python", "", "python interpreter")
	cmd.Flags().StringVar(&f.WorkDir, "dir", "", "working directory served by the notebook")
	cmd.Flags().StringVar(&f.Args, "args", "", "extra server arguments, shell quoted")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "extra environment KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&f.UseNotebook, "notebook", false, "run the classic Notebook instead of JupyterLab")
	cmd.Flags().StringVar(&f.OpenFile, "open", "", "file to open, relative to the working directory")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the notebook server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd.Context())
		},
	}
}

func createRestartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the notebook server with its last configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Restart(cmd.Context())
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the notebook server status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Watch, "watch", false, "keep printing changes")
	cmd.Flags().DurationVar(&f.Interval, "interval", 2*time.Second, "poll interval for --watch")
	return cmd
}

func createHealthCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon answers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Health(cmd.Context())
		},
	}
}

func createDetectCommand(c command) *cobra.Command {
	var python string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Report the Python interpreter and installed notebook packages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Detect(cmd.Context(), python)
		},
	}
	cmd.Flags().StringVar(&python, "python", "", "interpreter to inspect (default: configured)")
	return cmd
}

func createConfigCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change saved launcher settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print saved settings",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.ConfigGet(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "set KEY=VALUE...",
			Short: "Save settings",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.ConfigSet(cmd.Context(), args)
			},
		},
	)
	return cmd
}
