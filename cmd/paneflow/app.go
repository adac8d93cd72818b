package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/paneflow/config"
)

// ConfigLoader loads the server config from a path.
type ConfigLoader func(path string) (*config.Config, error)

// AppOption customizes App dependencies.
type AppOption func(*App)

// App holds CLI state and runtime dependencies.
type App struct {
	root *cobra.Command

	loadConfig ConfigLoader
	stdout     io.Writer
	stderr     io.Writer
	cfgFile    string
	listen     string
	jsonOutput bool
	cfg        *config.Config
}

// WithConfigLoader injects a config loader.
func WithConfigLoader(loader ConfigLoader) AppOption {
	return func(a *App) {
		if loader != nil {
			a.loadConfig = loader
		}
	}
}

// WithIO injects process output streams.
func WithIO(stdout, stderr io.Writer) AppOption {
	return func(a *App) {
		if stdout != nil {
			a.stdout = stdout
		}
		if stderr != nil {
			a.stderr = stderr
		}
	}
}

// NewApp creates the CLI app with default dependencies.
func NewApp(opts ...AppOption) *App {
	a := &App{
		loadConfig: config.Load,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.root = a.newRootCommand()
	return a
}

func (a *App) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "paneflow",
		Short: "paneflow - stream one prompt to many models",
		Long: `paneflow fans a prompt out to several model providers and streams
every pane's response to the session's WebSocket subscribers.`,
		SilenceUsage: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "paneflow.yaml", "config file")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "emit JSON output")

	root.AddCommand(a.newServeCommand())
	root.AddCommand(a.newVersionCommand())
	return root
}

// Execute runs the root command.
func (a *App) Execute() error {
	return a.root.Execute()
}

// SetArgs sets the command line arguments, for tests.
func (a *App) SetArgs(args []string) {
	a.root.SetArgs(args)
}

func (a *App) initConfig() error {
	cfg, err := a.loadConfig(a.cfgFile)
	if err != nil {
		return err
	}
	if a.listen != "" {
		cfg.Listen = a.listen
	}
	a.cfg = cfg
	return nil
}
