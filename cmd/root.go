package cmd

import (
	"os"
	"strings"

	"github.com/Omer1970/ShippingAPP-sub001/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "shipping",
	Short: "Delivery confirmation capture and ERP sync",
	Long: `Captures signed delivery confirmations from field devices, buffers them
while devices are offline and pushes them into the ERP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file or directory (default ./config.yaml)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the configuration and applies its logging section
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.Config{}, err
	}
	configureLogging(cfg)
	return cfg, nil
}

func configureLogging(cfg config.Config) {
	if cfg.Logging.Level != "" {
		if level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level)); err == nil {
			zerolog.SetGlobalLevel(level)
		} else {
			log.Warn().Str("level", cfg.Logging.Level).Msg("Unknown log level, keeping default")
		}
	}

	switch {
	case cfg.Logging.Format == "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case cfg.Logging.Format == "console" || cfg.Environment == "development":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
