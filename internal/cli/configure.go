package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/wavefront/internal/config"
)

var configureOpts struct {
	dataDir     string
	storePath   string
	hubURL      string
	hubPort     int
	maxParallel int
	review      bool
	resilient   bool
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write settings to the config file",
	Long: `Update the config file with the given flags. Settings that are not
passed keep their current value; a missing file starts from the defaults.`,
	RunE: runConfigure,
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&configureOpts.dataDir, "data-dir", "", "directory for logs, audit trail and the default store")
	f.StringVar(&configureOpts.storePath, "store", "", "path of the work item YAML document")
	f.StringVar(&configureOpts.hubURL, "hub-url", "", "hub websocket URL status is streamed to (empty disables)")
	f.IntVar(&configureOpts.hubPort, "hub-port", 0, "port the hub listens on")
	f.IntVar(&configureOpts.maxParallel, "max-parallel", 0, "agents per wavefront (0 = unlimited)")
	f.BoolVar(&configureOpts.review, "review", true, "run advisory reviews after each item")
	f.BoolVar(&configureOpts.resilient, "resilient", true, "give agents breakers, health monitoring and a status channel")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyConfigureFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", loader.GetConfigPath())
	return nil
}

// applyConfigureFlags copies only the flags the user passed
func applyConfigureFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = configureOpts.dataDir
	}
	if flags.Changed("store") {
		cfg.StorePath = configureOpts.storePath
	}
	if flags.Changed("hub-url") {
		cfg.Hub.URL = configureOpts.hubURL
	}
	if flags.Changed("hub-port") {
		cfg.Hub.Port = configureOpts.hubPort
	}
	if flags.Changed("max-parallel") {
		cfg.Coordinator.MaxParallel = configureOpts.maxParallel
	}
	if flags.Changed("review") {
		cfg.Coordinator.Review = configureOpts.review
	}
	if flags.Changed("resilient") {
		cfg.Coordinator.Resilient = configureOpts.resilient
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
}
