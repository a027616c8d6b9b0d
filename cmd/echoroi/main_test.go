package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echoroi/internal/store"
)

type cli struct {
	t        *testing.T
	dir      string
	config   string
	registry string
	ann      string
	grid     string
	out      string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	c := &cli{
		t:        t,
		dir:      dir,
		config:   filepath.Join(dir, "echoroi.toml"),
		registry: filepath.Join(dir, "data", "registry.db"),
		ann:      filepath.Join(dir, "annotations"),
		grid:     filepath.Join(dir, "array.json"),
		out:      filepath.Join(dir, "out"),
	}
	require.NoError(t, os.MkdirAll(c.ann, 0755))
	t.Setenv("ECHOROI_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("ECHOROI_OUTPUT_DIR", c.out)
	c.writeGrid()
	return c
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var buf bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(append([]string{"--config", c.config, "--registry", c.registry, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

// writeGrid stores a 2-channel 200x30 array filled with -70 dB.
func (c *cli) writeGrid() {
	values := make([][][]float64, 2)
	for ch := range values {
		values[ch] = make([][]float64, 200)
		for x := range values[ch] {
			values[ch][x] = make([]float64, 30)
			for y := range values[ch][x] {
				values[ch][x][y] = -70 + float64(ch)
			}
		}
	}
	data, err := json.Marshal(map[string]any{
		"channels": []float64{38, 120},
		"time":     200,
		"depth":    30,
		"values":   values,
	})
	require.NoError(c.t, err)
	require.NoError(c.t, os.WriteFile(c.grid, data, 0644))
}

func (c *cli) writeRecord(name string) {
	record := `{
  "version": "5.2.1",
  "imagePath": "survey_T100.png",
  "shapes": [
    {"label": "school", "shape_type": "rectangle", "points": [[2, 3], [10, 8]]},
    {"label": "school", "shape_type": "polygon", "points": [[5, 5], [15, 5], [10, 12]]}
  ]
}`
	require.NoError(c.t, os.WriteFile(filepath.Join(c.ann, name), []byte(record), 0644))
}

func TestInitCreatesConfigAndRegistry(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("init")
	assert.Contains(t, out, "Created config")
	assert.FileExists(t, c.config)
	assert.FileExists(t, c.registry)

	out = c.mustRun("init")
	assert.Contains(t, out, "Using config")
}

func TestRegistryLifecycle(t *testing.T) {
	c := newCLI(t)
	c.writeRecord("survey_T100.json")

	out := c.mustRun("assign-ids", c.ann, "--session", "S1")
	assert.Contains(t, out, "Assigned 2 ids")

	out = c.mustRun("reconcile", c.ann)
	assert.Contains(t, out, "new=2 modified=0 unchanged=0 deleted=0")

	out = c.mustRun("list")
	assert.Contains(t, out, "S1_0000\tnew\trectangle\tt=102..110 z=3..8")
	assert.Contains(t, out, "S1_0001\tnew\tpolygon")

	out = c.mustRun("show", "S1_0000")
	var shown struct {
		ID     string   `json:"id"`
		Points [][2]int `json:"points"`
		Status string   `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "S1_0000", shown.ID)
	assert.Equal(t, [][2]int{{102, 3}, {110, 8}}, shown.Points)
	assert.Equal(t, "new", shown.Status)

	out = c.mustRun("reconcile", c.ann)
	assert.Contains(t, out, "unchanged=2")

	out = c.mustRun("status")
	assert.Contains(t, out, "unchanged  2")
	assert.Contains(t, out, "Recent passes:")
	assert.Contains(t, out, fmt.Sprintf("Schema: v%d (latest v%d, 0 pending)", store.LatestVersion(), store.LatestVersion()))

	out = c.mustRun("verify")
	assert.Contains(t, out, fmt.Sprintf("Schema v%d complete", store.LatestVersion()))
	assert.Contains(t, out, "Registry verified")

	require.NoError(t, os.Remove(filepath.Join(c.ann, "survey_T100.json")))
	out = c.mustRun("reconcile", c.ann)
	assert.Contains(t, out, "deleted=2")

	out = c.mustRun("list", "--status", "deleted")
	assert.Contains(t, out, "S1_0000\tdeleted")

	out = c.mustRun("purge")
	assert.Contains(t, out, "Purged 2 deleted shapes")

	_, err := c.run("show", "S1_0000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerifyRejectsIncompleteSchema(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")

	db, err := sql.Open("sqlite3", c.registry)
	require.NoError(t, err)
	_, err = db.Exec(`DROP INDEX idx_roi_image`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = c.run("verify")
	assert.ErrorIs(t, err, store.ErrSchema)
}

func TestReconcileRejectsUnknownPolicy(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("reconcile", c.ann, "--skip-policy", "ignore")
	assert.Error(t, err)
}

func TestExtractWritesPixels(t *testing.T) {
	c := newCLI(t)
	c.writeRecord("survey_T100.json")
	c.mustRun("assign-ids", c.ann, "--session", "S1")
	c.mustRun("reconcile", c.ann)

	out := c.mustRun("extract", "--grid", c.grid, "--out", c.out)
	assert.Contains(t, out, "Extracted 2 ROIs")

	data, err := os.ReadFile(filepath.Join(c.out, "S1_0000.json"))
	require.NoError(t, err)

	var roi roiFile
	require.NoError(t, json.Unmarshal(data, &roi))
	assert.Equal(t, windowJSON{XMin: 102, XMax: 110, YMin: 3, YMax: 8}, roi.Window)
	assert.Equal(t, []float64{38, 120}, roi.Channels)
	assert.Len(t, roi.Pixels, 9*6)
	assert.Equal(t, []float64{-70, -69}, roi.Pixels[0].Values)

	out = c.mustRun("extract", "S1_0000", "--grid", c.grid, "--out", c.out, "--padding", "2", "--delta", "38")
	assert.Contains(t, out, "Extracted 1 ROIs")
	data, err = os.ReadFile(filepath.Join(c.out, "S1_0000.json"))
	require.NoError(t, err)
	roi = roiFile{}
	require.NoError(t, json.Unmarshal(data, &roi))
	assert.Equal(t, windowJSON{XMin: 100, XMax: 112, YMin: 1, YMax: 10}, roi.Window)
	assert.Equal(t, []float64{120}, roi.Channels)
	assert.Equal(t, []float64{1}, roi.Pixels[0].Values)

	_, err = c.run("extract", "--grid", c.grid, "--padding", "1", "--size", "10x10")
	assert.Error(t, err)

	_, err = c.run("extract", "missing", "--grid", c.grid, "--out", c.out)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRenderSkipsPlottedShapes(t *testing.T) {
	c := newCLI(t)
	c.writeRecord("survey_T100.json")
	c.mustRun("assign-ids", c.ann, "--session", "S1")
	c.mustRun("reconcile", c.ann)

	out := c.mustRun("render", "--grid", c.grid, "--out", c.out, "--scale", "2")
	assert.Contains(t, out, "Rendered 2 ROIs")
	assert.FileExists(t, filepath.Join(c.out, "S1_0000.png"))
	assert.FileExists(t, filepath.Join(c.out, "S1_0001.png"))

	// Still new: plotted images are only skipped once the shape is unchanged.
	out = c.mustRun("render", "--grid", c.grid, "--out", c.out)
	assert.Contains(t, out, "Rendered 2 ROIs")

	c.mustRun("reconcile", c.ann)
	out = c.mustRun("render", "--grid", c.grid, "--out", c.out)
	assert.Contains(t, out, "Rendered 0 ROIs")

	out = c.mustRun("render", "--grid", c.grid, "--out", c.out, "--force")
	assert.Contains(t, out, "Rendered 2 ROIs")
}

func TestExtractRequiresGrid(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("extract")
	assert.ErrorContains(t, err, "no echogram array")
}

func TestParseSize(t *testing.T) {
	w, h, err := parseSize("400x300")
	require.NoError(t, err)
	assert.Equal(t, 400, w)
	assert.Equal(t, 300, h)

	for _, bad := range []string{"400", "x300", "40ax3"} {
		_, _, err := parseSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, os.WriteFile(c.config, []byte("[render]\nscale = 0\n"), 0600))

	_, err := c.run("status")
	assert.Error(t, err)
}
