package ensemble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0.6, cfg.PrimaryWeight)
	assert.Equal(t, 0.4, cfg.PATWeight)
	assert.Equal(t, 5*time.Second, cfg.PrimaryTimeout)
	assert.Equal(t, 10*time.Second, cfg.PATTimeout)
	assert.True(t, cfg.UsePATFeatures)
	assert.Equal(t, 16, cfg.PATFeatureDim)
	assert.Equal(t, 36, cfg.FeatureLength)
	assert.Equal(t, 0.7, cfg.ConfidenceThreshold)
	assert.True(t, cfg.FallbackToSingleModel)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative weight", func(c *Config) { c.PrimaryWeight = -0.1 }},
		{"weight above one", func(c *Config) { c.PATWeight = 1.5 }},
		{"both weights zero", func(c *Config) { c.PrimaryWeight, c.PATWeight = 0, 0 }},
		{"zero timeout", func(c *Config) { c.PrimaryTimeout = 0 }},
		{"negative PAT timeout", func(c *Config) { c.PATTimeout = -time.Second }},
		{"splice wider than vector", func(c *Config) { c.PATFeatureDim = 40 }},
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.1 }},
		{"no queue", func(c *Config) { c.QueueSize = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
