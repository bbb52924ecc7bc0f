package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-realtime-go/pkg/logger"
)

func TestMigrateCommands(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.db")
	log := logger.Discard()

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{path, "version"}, &out, log))
	assert.Equal(t, "no migrations applied\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, []string{path, "up"}, &out, log))
	require.NoError(t, run(ctx, []string{path, "version"}, &out, log))
	assert.Equal(t, "version 1 dirty=false\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, []string{path, "compact"}, &out, log))
	assert.Equal(t, "removed 0 expired entries\n", out.String())

	require.NoError(t, run(ctx, []string{path, "down"}, &out, log))
}

func TestMigrateUsage(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"x.db"}, &out, logger.Discard())
	assert.EqualError(t, err, usage)

	err = run(context.Background(), []string{filepath.Join(t.TempDir(), "x.db"), "sideways"}, &out, logger.Discard())
	assert.ErrorContains(t, err, "unknown command: sideways")
}
