package config

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	m, err := NewManager(path, discardLogger())
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	first := m.Current()
	require.NotNil(t, first)
	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, first.Checksum)

	t.Run("unchanged content keeps the generation", func(t *testing.T) {
		require.NoError(t, m.Reload())
		assert.Equal(t, first.ID, m.Current().ID)
		assert.Equal(t, uint64(0), m.ReloadCount())
	})

	t.Run("changed content swaps the generation", func(t *testing.T) {
		var got struct {
			next *Generation
			prev *Generation
		}
		m.OnReload(func(next, prev *Generation) {
			got.next = next
			got.prev = prev
		})

		require.NoError(t, os.WriteFile(path, []byte(minimalConfig+`
prefix: /etc/certmux
`), 0o600))

		require.NoError(t, m.Reload())

		current := m.Current()
		assert.NotEqual(t, first.ID, current.ID)
		assert.Equal(t, "/etc/certmux", current.Config.Prefix)
		assert.Equal(t, uint64(1), m.ReloadCount())

		// Listeners see both generations for state transfer.
		require.NotNil(t, got.next)
		assert.Equal(t, current.ID, got.next.ID)
		assert.Equal(t, first.ID, got.prev.ID)
	})

	t.Run("invalid content keeps the current generation", func(t *testing.T) {
		before := m.Current()

		require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o600))
		require.Error(t, m.Reload())

		assert.Equal(t, before.ID, m.Current().ID)
	})
}
