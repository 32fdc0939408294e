package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Run("one-shot requires a graph path", func(t *testing.T) {
		_, err := NewConfig(Config{})
		assert.Error(t, err)
	})

	t.Run("serving without a graph is valid", func(t *testing.T) {
		cfg, err := NewConfig(Config{Serve: true, ListenAddr: ":0"})
		require.NoError(t, err)
		assert.True(t, cfg.Serve)
	})

	t.Run("serving requires a listen address", func(t *testing.T) {
		_, err := NewConfig(Config{Serve: true})
		assert.Error(t, err)
	})

	t.Run("negative timeout rejected", func(t *testing.T) {
		_, err := NewConfig(Config{GraphPath: "g.hcl", CallTimeout: -time.Second})
		assert.Error(t, err)
	})
}
