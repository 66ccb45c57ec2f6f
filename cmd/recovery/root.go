// cmd/recovery/root.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"recovery/internal/config"
	"recovery/internal/logging"
	"recovery/internal/store"
)

var (
	v         = config.New()
	appConfig = config.Default()
	logger    = logging.Nop()
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Content-addressed recovery store for agent and human edits",
	Long: `recovery records every version of the files agents and humans edit,
arbitrates concurrent changes against their preconditions, and restores any
recorded state atomically.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config %s: %w", path, err)
			}
		}
		cfg, err := config.From(v)
		if err != nil {
			return err
		}
		appConfig = cfg

		// commands run from a subdirectory find the store of the workspace
		if cmd != initCmd && !cmd.Flags().Changed("root") && !filepath.IsAbs(cfg.Store.Root) {
			if _, err := os.Stat(cfg.Store.Root); os.IsNotExist(err) {
				if found, err := store.FindRoot(".", cfg.Store.Root); err == nil {
					cfg.Store.Root = found
				}
			}
		}

		l, err := logging.NewConsole(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (json, yaml or toml)")
	flags.String("root", "", "store directory (default .recovery)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	v.BindPFlag("store.root", flags.Lookup("root"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))
}

func openStore(opts ...store.Option) (*store.Store, error) {
	opts = append([]store.Option{store.WithLogger(logger.Logger)}, opts...)
	s, err := store.Open(appConfig.Store.Root, appConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", appConfig.Store.Root, err)
	}
	return s, nil
}

func printColoredDiff(diff string) {
	for _, line := range strings.Split(strings.TrimSuffix(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			fmt.Println(blue(line))
		case strings.HasPrefix(line, "+"):
			fmt.Println(green(line))
		case strings.HasPrefix(line, "-"):
			fmt.Println(red(line))
		default:
			fmt.Println(line)
		}
	}
}
