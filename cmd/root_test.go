package cmd

import (
	"testing"

	"github.com/Omer1970/ShippingAPP-sub001/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestConfigureLoggingLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())

	configureLogging(config.Config{Logging: config.LoggingConfig{Level: "WARN", Format: "json"}})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	configureLogging(config.Config{Logging: config.LoggingConfig{Level: "chatty"}})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["api"])
	assert.True(t, names["worker"])
	assert.True(t, names["migrate"])
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}
