package influxstorage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meteredchan/meteredchan/internal/config"
	"github.com/meteredchan/meteredchan/internal/storage"
	"github.com/meteredchan/meteredchan/pkg/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ storage.Backend = (*Backend)(nil)

func TestBackend_BackupWhenUnreachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lp.gz")
	b := New(config.InfluxConfig{
		Protocol:   "http",
		Host:       "127.0.0.1",
		Port:       "1",
		Org:        "test",
		Bucket:     "test",
		BackupPath: path,
	}, zerolog.Nop())

	require.NoError(t, b.Init())
	assert.False(t, b.Manager().IsValid)

	require.NoError(t, b.RecordSamples(context.Background(), []core.OccupancySample{
		{Time: time.Now(), Channel: "jobs", Kind: core.KindMPSC, Len: 1, Cap: 4, State: "open"},
	}))
	require.NoError(t, b.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
