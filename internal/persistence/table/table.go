// Package table writes avalanche records as tab-separated rows, one per
// avalanche, in the column order interior, trigger, slips, size, step, energy,
// l_max, origin distance.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"fracflow.ai/internal/sim/cascade"
	"fracflow.ai/internal/sim/recorder"
)

const Columns = 8

// PathFor is the output file for one parameter set. Runs with the same
// parameters append to the same file.
func PathFor(dir string, deltaP, sMin, sMax float64) string {
	name := fmt.Sprintf("avalanches_%s_%s_%s.tsv", num(deltaP), num(sMin), num(sMax))
	return filepath.Join(dir, name)
}

type Writer struct {
	path string
	f    *os.File
	w    *csv.Writer
	rows int64
}

// Open opens path for appending, creating it and its directory if needed.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'
	return &Writer{path: path, f: f, w: w}, nil
}

func (t *Writer) Path() string { return t.path }
func (t *Writer) Rows() int64  { return t.rows }

// Append writes one batch and flushes it to the file.
func (t *Writer) Append(batch []recorder.Avalanche) error {
	for _, a := range batch {
		if err := t.w.Write(encode(a)); err != nil {
			return fmt.Errorf("table %s: %w", t.path, err)
		}
	}
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		return fmt.Errorf("table %s: %w", t.path, err)
	}
	t.rows += int64(len(batch))
	return nil
}

func (t *Writer) Close() error {
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		_ = t.f.Close()
		return err
	}
	return t.f.Close()
}

func encode(a recorder.Avalanche) []string {
	interior := "0"
	if a.Interior {
		interior = "1"
	}
	return []string{
		interior,
		strconv.Itoa(int(a.Trigger)),
		strconv.Itoa(a.Slips),
		strconv.Itoa(a.Size),
		strconv.FormatInt(a.Step, 10),
		num(a.Energy),
		strconv.Itoa(a.LMax),
		strconv.Itoa(a.OriginDistance),
	}
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// Read parses rows written by Writer. Seq is assigned from the row position.
func Read(r io.Reader) ([]recorder.Avalanche, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = Columns
	cr.ReuseRecord = true

	var out []recorder.Avalanche
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		a, err := decode(rec)
		if err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		a.Seq = int64(line)
		out = append(out, a)
	}
}

func ReadFile(path string) ([]recorder.Avalanche, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func decode(rec []string) (recorder.Avalanche, error) {
	var (
		a    recorder.Avalanche
		ints [Columns]int64
		err  error
	)
	for i, s := range rec {
		if i == 5 {
			if a.Energy, err = strconv.ParseFloat(s, 64); err != nil {
				return a, fmt.Errorf("energy: %w", err)
			}
			continue
		}
		if ints[i], err = strconv.ParseInt(s, 10, 64); err != nil {
			return a, fmt.Errorf("column %d: %w", i+1, err)
		}
	}
	switch ints[0] {
	case 0:
	case 1:
		a.Interior = true
	default:
		return a, fmt.Errorf("interior marker %d", ints[0])
	}
	switch ints[1] {
	case int64(cascade.FrontAdvance), int64(cascade.LocalInvasion):
		a.Trigger = cascade.Trigger(ints[1])
	default:
		return a, fmt.Errorf("trigger code %d", ints[1])
	}
	a.Slips = int(ints[2])
	a.Size = int(ints[3])
	a.Step = ints[4]
	a.LMax = int(ints[6])
	a.OriginDistance = int(ints[7])
	return a, nil
}
