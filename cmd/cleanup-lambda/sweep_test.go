package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/media-batch/internal/cleanup"
)

type fakeSweeper struct {
	runErr error
	runs   []cleanup.Options
	legacy []cleanup.LegacyOptions
}

func (f *fakeSweeper) Run(_ context.Context, opts cleanup.Options) (*cleanup.Report, error) {
	f.runs = append(f.runs, opts)
	return &cleanup.Report{DryRun: opts.DryRun, JobsCleaned: 2}, f.runErr
}

func (f *fakeSweeper) RunLegacy(_ context.Context, opts cleanup.LegacyOptions) (*cleanup.Report, error) {
	f.legacy = append(f.legacy, opts)
	return &cleanup.Report{DryRun: opts.DryRun, JobsCleaned: 1}, nil
}

func TestSweep_FoldersOnly(t *testing.T) {
	f := &fakeSweeper{}
	res, err := sweep(context.Background(), f, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Folders.JobsCleaned)
	assert.Nil(t, res.Legacy)
	assert.Empty(t, f.legacy)
}

func TestSweep_WithLegacyDryRun(t *testing.T) {
	f := &fakeSweeper{}
	res, err := sweep(context.Background(), f, true, 14)
	require.NoError(t, err)
	require.NotNil(t, res.Legacy)
	assert.True(t, res.Legacy.DryRun)
	assert.Equal(t, []cleanup.LegacyOptions{{OlderThanDays: 14, DryRun: true}}, f.legacy)
}

func TestSweep_FolderErrorSkipsLegacy(t *testing.T) {
	f := &fakeSweeper{runErr: errors.New("list failed")}
	res, err := sweep(context.Background(), f, false, 14)
	assert.Error(t, err)
	assert.NotNil(t, res.Folders)
	assert.Empty(t, f.legacy)
}
