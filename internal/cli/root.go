package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/craigderington/wakeproxy/internal/config"
)

var (
	cfgFile   string
	configErr error
	version   = "dev"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "wakeproxy",
	Short: "wakeproxy - TCP proxies that wake their machines",
	Long: `wakeproxy forwards TCP connections to a single target and couples
connection activity to a wake signal.

  keepawake  hold a local stay-awake lock while connections are open
  wol        wake the target with a Wake-on-LAN packet before forwarding

The status and events commands query a running proxy's admin API.`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configErr
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version reported by the CLI and the admin API
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.wakeproxy.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "console", "log format: console or json")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to a rotated file instead of stderr")
	rootCmd.PersistentFlags().String("admin-url", "", "admin API base URL used by status and events (default derived from admin.addr)")

	// Bind flags to viper
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("admin.url", rootCmd.PersistentFlags().Lookup("admin-url"))

	// Add subcommands
	rootCmd.AddCommand(keepAwakeCmd)
	rootCmd.AddCommand(wolCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search for config in home directory
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".wakeproxy")
	}

	// WAKEPROXY_WOL_MAC overrides wol.mac
	viper.SetEnvPrefix("WAKEPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists; an explicit --config must be readable
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = fmt.Errorf("failed to read config file: %w", err)
		}
	}
}

// bindFlags binds a command's flags to config keys. Commands share keys such
// as listen, so binding happens when the command runs rather than in init.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", flag, err)
		}
	}
	return nil
}
