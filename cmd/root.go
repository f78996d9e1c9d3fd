package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"novelhub/engine"
	"novelhub/rules"
	"novelhub/sources"
)

var apiMode bool
var appEngine *engine.Engine
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "novelhub",
	Short: "novelhub searches and downloads web novels from rule-defined sources.",
	Long: "novelhub is a CLI tool and HTTP service for searching web novels across " +
		"rule-defined sources, fetching book details and chapter lists, and " +
		"downloading complete books as TXT or EPUB.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// version and help need no engine (and no rules directory).
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		return initEngine()
	},
	Run: func(cmd *cobra.Command, args []string) {
		// When no command is specified, display help
		if err := cmd.Help(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func Execute() {
	defer func() {
		if appEngine != nil {
			_ = appEngine.Logger.Close()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error executing novelhub: %s\n", err)
		os.Exit(1)
	}
}

// SetupEngine makes a pre-built engine available to all command handlers.
// Used by tests; normal runs build the engine from flags.
func SetupEngine(e *engine.Engine) {
	appEngine = e
}

// initEngine builds the engine from the resolved configuration and registers
// one source adapter per loaded rule.
func initEngine() error {
	if appEngine != nil {
		return nil
	}
	appEngine = engine.New(engine.Config{
		CacheDir:       viper.GetString("cache"),
		OutDir:         viper.GetString("out"),
		LogFile:        viper.GetString("log-file"),
		MaxConcurrency: viper.GetInt("concurrency"),
		Verbose:        viper.GetBool("verbose"),
		Debug:          viper.GetBool("debug"),
	})

	ruleSet, warnings, err := rules.Load(viper.GetString("rules"))
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	for _, w := range warnings {
		appEngine.Logger.Warn("%s", w)
	}
	for _, rule := range ruleSet {
		if err := appEngine.RegisterSource(sources.NewAdapter(appEngine, rule)); err != nil {
			appEngine.Logger.Warn("skipping rule %d (%s): %v", rule.ID, rule.Name, err)
		}
	}
	appEngine.Logger.Info("loaded %d sources from %s", len(ruleSet), viper.GetString("rules"))
	return nil
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVar(&apiMode, "api", false, "Output machine-readable JSON only")
	rootCmd.PersistentFlags().String("rules", "rules", "Directory containing rule JSON files")
	rootCmd.PersistentFlags().String("out", "downloads", "Directory for downloaded books")
	rootCmd.PersistentFlags().String("cache", "", "Disk cache directory (empty disables the disk tier)")
	rootCmd.PersistentFlags().String("log-file", "", "Mirror logs to this file")
	rootCmd.PersistentFlags().Int("concurrency", 5, "Maximum number of concurrent HTTP requests")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose logging")
	rootCmd.PersistentFlags().Bool("debug", false, "Debug logging")

	// Every flag is also settable via NOVELHUB_* environment variables,
	// e.g. NOVELHUB_RULES, NOVELHUB_LOG_FILE.
	viper.SetEnvPrefix("novelhub")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}
