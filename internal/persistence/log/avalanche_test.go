package log

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"fracflow.ai/internal/sim/cascade"
	"fracflow.ai/internal/sim/model"
	"fracflow.ai/internal/sim/recorder"
	"fracflow.ai/internal/sim/rng"
	"fracflow.ai/internal/sim/tuning"
)

func batchOf(from, n int) []recorder.Avalanche {
	out := make([]recorder.Avalanche, n)
	for i := range out {
		seq := int64(from + i)
		out[i] = recorder.Avalanche{Seq: seq, Step: seq * 3, Trigger: cascade.Trigger(seq % 2), Slips: 2, Size: 1, Energy: 0.125 * float64(seq), LMax: 5}
	}
	return out
}

func TestLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	run := tuning.Defaults()
	l := NewAvalancheLogger(dir, run, 0)
	require.NoError(t, l.Append(batchOf(1, 4)))
	require.NoError(t, l.Append(batchOf(5, 3)))
	require.NoError(t, l.Close())

	files, err := Segments(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	h, rows, err := ReadDir(dir)
	require.NoError(t, err)
	require.Equal(t, run, h.Run)
	require.Equal(t, Version, h.Version)
	require.Equal(t, append(batchOf(1, 4), batchOf(5, 3)...), rows)
}

func TestSegmentLineTypes(t *testing.T) {
	dir := t.TempDir()
	l := NewAvalancheLogger(dir, tuning.Defaults(), 0)
	require.NoError(t, l.Append(batchOf(1, 2)))
	require.NoError(t, l.Close())

	files, err := Segments(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	var types []string
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var line struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		types = append(types, line.Type)
	}
	require.NoError(t, sc.Err())
	require.Equal(t, []string{"run", "avalanche", "avalanche"}, types)
}

func TestLoggerRotatesAtBatchBoundary(t *testing.T) {
	dir := t.TempDir()
	l := NewAvalancheLogger(dir, tuning.Defaults(), 5)
	require.NoError(t, l.Append(batchOf(1, 3)))
	require.NoError(t, l.Append(batchOf(4, 3)))
	require.NoError(t, l.Append(batchOf(7, 2)))
	require.NoError(t, l.Append(batchOf(9, 6)))
	require.NoError(t, l.Append(batchOf(15, 1)))
	require.NoError(t, l.Close())

	files, err := Segments(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	require.Equal(t, "avalanches-000000.jsonl.zst", filepath.Base(files[0]))

	_, rows, err := ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, rows, 15)
	require.EqualValues(t, 15, rows[14].Seq)
}

func TestReadDirRejectsGap(t *testing.T) {
	dir := t.TempDir()
	l := NewAvalancheLogger(dir, tuning.Defaults(), 0)
	require.NoError(t, l.Append(batchOf(1, 2)))
	require.NoError(t, l.Append(batchOf(4, 2)))
	require.NoError(t, l.Close())

	_, _, err := ReadDir(dir)
	require.ErrorContains(t, err, "seq 4, want 3")
}

func TestReadDirRejectsHeaderlessSegment(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "avalanches-000000.jsonl.zst"))
	require.NoError(t, err)
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = enc.Write([]byte(`{"type":"avalanche","seq":1}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	_, _, err = ReadDir(dir)
	require.Error(t, err)
}

func TestReadDirEmpty(t *testing.T) {
	_, _, err := ReadDir(t.TempDir())
	require.Error(t, err)
}

func TestModelRunLogged(t *testing.T) {
	dir := t.TempDir()
	run := tuning.Defaults()
	run.Iterations = 200
	run.BatchSize = 30
	run.Seed = 8

	l := NewAvalancheLogger(dir, run, 50)
	mem := &recorder.Memory{}
	m, err := model.New(run.ModelConfig(), rng.New(run.Seed), recorder.Multi{l, mem})
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background()))
	require.NoError(t, l.Close())

	h, rows, err := ReadDir(dir)
	require.NoError(t, err)
	require.Equal(t, run, h.Run)
	require.Equal(t, mem.Rows(), rows)
}
