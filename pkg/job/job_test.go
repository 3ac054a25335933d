package job

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		name    string
		stem    string
		want    Identity
		wantErr bool
	}{
		{
			name: "group subgroup version suffix",
			stem: "spaceship-titanic_baseline_v3_run1",
			want: Identity{Group: "spaceship-titanic", Subgroup: "baseline", Version: "v3"},
		},
		{
			name: "multi part subgroup",
			stem: "aerial_cactus_cnn_large_v2_a",
			want: Identity{Group: "aerial", Subgroup: "cactus_cnn_large", Version: "v2"},
		},
		{
			name: "no subgroup",
			stem: "tabular_v1_x",
			want: Identity{Group: "tabular", Version: "v1"},
		},
		{
			name: "two parts",
			stem: "tabular_v1",
			want: Identity{Group: "tabular", Version: "v1"},
		},
		{name: "single part", stem: "tabular", wantErr: true},
		{name: "empty", stem: "  ", wantErr: true},
		{name: "leading underscore", stem: "_a_b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseID(tt.stem)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidID))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLayoutNew(t *testing.T) {
	l := Layout{DatasetRoot: "/data", ResultsRoot: "/out"}

	j, err := l.New("/programs/denoising_unet_v4_b.ipynb")
	require.NoError(t, err)

	assert.Equal(t, "denoising_unet_v4_b", j.ID)
	assert.Equal(t, "denoising", j.Group)
	assert.Equal(t, "/data/denoising", j.DatasetPath)
	assert.Equal(t, "/out/denoising/unet/v4", j.OutputDir)
	assert.Equal(t, "/out/denoising/unet/v4/result.json", j.ResultPath())
	assert.Equal(t, "denoising_unet_v4_b.ipynb", j.ProgramName())
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b_x_v1_1.ipynb", "a_y_v2_1.ipynb", "broken.ipynb", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644))
	}

	l := Layout{DatasetRoot: "/data", ResultsRoot: "/out"}
	jobs, skipped, err := l.Discover(dir, "")
	require.NoError(t, err)

	require.Len(t, jobs, 2)
	assert.Equal(t, "a_y_v2_1", jobs[0].ID)
	assert.Equal(t, "b_x_v1_1", jobs[1].ID)
	assert.Equal(t, []string{"broken.ipynb"}, skipped)

	t.Run("invalid pattern", func(t *testing.T) {
		_, _, err := l.Discover(dir, "[")
		require.Error(t, err)
	})
}

func TestPoolAndCounts(t *testing.T) {
	jobs := []Job{
		{ID: "a_1_v1_x", Group: "a"},
		{ID: "b_1_v1_x", Group: "b"},
		{ID: "a_2_v1_x", Group: "a"},
	}

	pool := Pool(jobs)
	assert.Len(t, pool["a"], 2)
	assert.Equal(t, "a_1_v1_x", pool["a"][0].ID)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, Counts(jobs))

	sel := Select(jobs, []string{"a_2_v1_x", "missing"})
	require.Len(t, sel, 1)
	assert.Equal(t, "a_2_v1_x", sel[0].ID)
}
