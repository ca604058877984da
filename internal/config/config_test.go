package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Strategies: []StrategyConf{
			{
				Name:            "alpha",
				Symbol:          "BTCUSDT",
				MarginUSDT:      200,
				Leverage:        5,
				MaxLossPct:      10,
				CooldownMinutes: 30,
				IntervalMinutes: 5,
				RSIPeriod:       14,
				RSIOversold:     30,
				RSIOverbought:   70,
			},
		},
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()

	assert.Equal(t, 1, c.Engine.ReconcileIntervalMinutes)
	assert.Equal(t, 45, c.Engine.ReconcileTimeoutSeconds)
	assert.Equal(t, 6, c.Engine.StaleOpenHours)
	assert.Equal(t, 60, c.Engine.OrphanLookbackMinutes)
	assert.Equal(t, 180, c.Engine.StartupGraceSeconds)
	assert.Equal(t, 2, c.Engine.PendingGraceMinutes)
	assert.Equal(t, 10, c.Engine.GhostProtectionMinutes)
	assert.Equal(t, 30, c.Engine.RetentionDays)
	assert.InDelta(t, 1000.0, c.Engine.PaperWallet.InitialBalance, 1e-9)

	assert.Equal(t, 6*time.Hour, c.Engine.StaleOpenThreshold())
	assert.Equal(t, time.Minute, c.Engine.ReconcileInterval())
	assert.Equal(t, 3*time.Minute, c.Engine.StartupGrace())
	assert.Equal(t, 2*time.Minute, c.Engine.PendingGrace())
	assert.Equal(t, 10*time.Minute, c.Engine.GhostProtection())
}

func TestConfig_ValidateOK(t *testing.T) {
	c := validConfig()
	c.ApplyDefaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, 30*time.Minute, c.Strategies[0].Cooldown())
}

func TestConfig_ValidateRejectsDuplicateStrategy(t *testing.T) {
	c := validConfig()
	c.Strategies = append(c.Strategies, c.Strategies[0])
	c.ApplyDefaults()

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate strategy name")
}

func TestConfig_ValidateRejectsMissingFields(t *testing.T) {
	c := validConfig()
	c.Strategies[0].Symbol = ""
	c.ApplyDefaults()
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Strategies[0].MarginUSDT = -1
	c.ApplyDefaults()
	assert.Error(t, c.Validate())
}

func TestConfig_ValidateRejectsInvertedRSIBands(t *testing.T) {
	c := validConfig()
	c.Strategies[0].RSIOversold = 80
	c.Strategies[0].RSIOverbought = 20
	c.ApplyDefaults()

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rsi_oversold")
}
