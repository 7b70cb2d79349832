package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"trellis/pkg/config"
	"trellis/pkg/logging"
	"trellis/pkg/trellis"
)

var (
	runSetOverrides []string
	runLogLevel     string
	runStartTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run CONFIG [CONFIG...]",
	Short: "Start the application described by the given configuration files",
	Long: `Loads one or more YAML configuration files, deep-merges them in order (later
files override earlier ones), and starts the component hierarchy declared in
the "component" section. The process then runs until it is interrupted.

Configuration layout:

  component:
    type: myapp            # registered component type of the root
    components:            # per-child configuration overrides
      db:
        dsn: postgres://localhost/app
  logging:
    level: info

Individual values can be overridden from the command line with --set, using
dotted paths relative to the configuration root:

  trellis run config.yaml --set component.components.db.dsn=postgres://db/prod`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := map[string]any{}
	for _, path := range args {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		merged, err := trellis.MergeConfig(cfg, loaded)
		if err != nil {
			return fmt.Errorf("merging %s: %w", path, err)
		}
		cfg = merged
	}

	for _, override := range runSetOverrides {
		key, raw, ok := strings.Cut(override, "=")
		if !ok || key == "" {
			return fmt.Errorf("malformed --set value %q, expected key=value", override)
		}
		merged, err := trellis.MergeConfig(cfg, map[string]any{key: parseScalar(raw)})
		if err != nil {
			return fmt.Errorf("applying --set %s: %w", key, err)
		}
		cfg = merged
	}

	if err := initLogging(cfg); err != nil {
		return err
	}

	componentCfg, ok := cfg["component"].(map[string]any)
	if !ok {
		return fmt.Errorf(`the configuration is missing a "component" section`)
	}
	typeRef, ok := componentCfg["type"]
	if !ok {
		return fmt.Errorf(`the "component" section is missing a "type" key`)
	}

	opts := []trellis.StartOption{trellis.WithStartTimeout(runStartTimeout)}
	if runStartTimeout <= 0 {
		opts = []trellis.StartOption{trellis.WithoutStartTimeout()}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return trellis.Run(ctx, typeRef, componentCfg, opts...)
}

// initLogging configures the process logger from the "logging" section,
// unless the --log-level flag overrides it.
func initLogging(cfg map[string]any) error {
	levelName := "info"
	if section, ok := cfg["logging"].(map[string]any); ok {
		if name, ok := section["level"].(string); ok {
			levelName = name
		}
	}
	if runLogLevel != "" {
		levelName = runLogLevel
	}

	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logging.Init(level, os.Stderr)
	return nil
}

// parseScalar interprets an override value the way YAML would, so that
// --set a.b=5 produces an integer and --set a.c=true a boolean.
func parseScalar(raw string) any {
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	return value
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringArrayVar(&runSetOverrides, "set", nil, "Override a configuration value (dotted.path=value, repeatable)")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level: debug, info, warn or error (overrides the configuration)")
	runCmd.Flags().DurationVar(&runStartTimeout, "start-timeout", trellis.DefaultStartTimeout, "Maximum time to wait for the component hierarchy to start (0 disables the deadline)")
}
