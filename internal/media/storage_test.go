package media

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskRoundTrip(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	blob := []byte("opaque encrypted bytes")
	require.NoError(t, d.Put(ctx, "att/abc123.bin", bytes.NewReader(blob), int64(len(blob))))

	rc, err := d.Get(ctx, "att/abc123.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, blob, got)

	require.NoError(t, d.Delete(ctx, "att/abc123.bin"))
	_, err = d.Get(ctx, "att/abc123.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskRejectsTraversal(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	err = d.Put(ctx, "../escape.bin", strings.NewReader("x"), 1)
	require.Error(t, err)

	_, err = d.Get(ctx, "/etc/passwd")
	require.Error(t, err)
}

func TestDiskDeleteMissingIsQuiet(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, d.Delete(context.Background(), "never-written.bin"))
}
