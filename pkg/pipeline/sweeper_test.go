package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/quill/pkg/search"
	"github.com/harun/quill/pkg/thread"
)

func TestNewSweeper_ValidatesSchedule(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	store, err := thread.NewStore(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	defer store.Close()

	idx, err := search.NewIndex(store.DB(), nil, logger)
	require.NoError(t, err)

	s, err := NewSweeper(idx, "@every 10m", logger)
	require.NoError(t, err)
	s.Start()
	s.Stop()

	_, err = NewSweeper(idx, "not a schedule", logger)
	assert.Error(t, err)
}
