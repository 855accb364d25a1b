package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"fracflow.ai/internal/sim/recorder"
	"fracflow.ai/internal/sim/tuning"
)

const (
	Version = 1
	Prefix  = "avalanches"

	TypeRun       = "run"
	TypeAvalanche = "avalanche"
)

// Header opens every segment and carries everything needed to re-run.
type Header struct {
	Type    string     `json:"type"`
	Version int        `json:"version"`
	Segment int        `json:"segment"`
	Run     tuning.Run `json:"run"`
}

type Entry struct {
	Type  string `json:"type"`
	Flush int    `json:"flush"`
	recorder.Avalanche
}

// AvalancheLogger is a recorder.Sink writing every flushed batch to a
// JSONL+zstd log. A new segment is started at a batch boundary once the
// current one holds at least segmentRows avalanches; segmentRows <= 0 keeps a
// single segment.
type AvalancheLogger struct {
	w           *JSONLZstdWriter
	run         tuning.Run
	segmentRows int

	segment int
	flushes int
}

func NewAvalancheLogger(dir string, run tuning.Run, segmentRows int) *AvalancheLogger {
	return &AvalancheLogger{
		w:           NewJSONLZstdWriter(dir, Prefix),
		run:         run,
		segmentRows: segmentRows,
		segment:     -1,
	}
}

func (l *AvalancheLogger) Append(batch []recorder.Avalanche) error {
	if l.segment >= 0 && l.segmentRows > 0 && l.w.Lines()-1 >= l.segmentRows {
		if err := l.w.Rotate(); err != nil {
			return fmt.Errorf("avalanche log: %w", err)
		}
		l.segment = -1
	}
	if l.segment < 0 {
		if err := l.startSegment(); err != nil {
			return err
		}
	}
	l.flushes++
	for _, a := range batch {
		if err := l.w.Write(Entry{Type: TypeAvalanche, Flush: l.flushes, Avalanche: a}); err != nil {
			return fmt.Errorf("avalanche log: %w", err)
		}
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("avalanche log: %w", err)
	}
	return nil
}

func (l *AvalancheLogger) startSegment() error {
	l.segment = l.w.seg + 1
	h := Header{Type: TypeRun, Version: Version, Segment: l.segment, Run: l.run}
	if err := l.w.Write(h); err != nil {
		return fmt.Errorf("avalanche log: %w", err)
	}
	return nil
}

func (l *AvalancheLogger) Close() error { return l.w.Close() }

// Segments lists the log segments in dir in write order.
func Segments(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, Prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadDir reads every segment in dir. All segment headers must describe the
// same run and avalanche sequence numbers must be contiguous from 1.
func ReadDir(dir string) (Header, []recorder.Avalanche, error) {
	var (
		head Header
		rows []recorder.Avalanche
	)
	files, err := Segments(dir)
	if err != nil {
		return head, nil, err
	}
	if len(files) == 0 {
		return head, nil, fmt.Errorf("no avalanche log segments in %s", dir)
	}
	for i, path := range files {
		h, err := readSegment(path, &rows)
		if err != nil {
			return head, rows, err
		}
		if h.Segment != i {
			return head, rows, fmt.Errorf("%s: segment %d, want %d", filepath.Base(path), h.Segment, i)
		}
		if i == 0 {
			head = h
		} else if h.Run != head.Run || h.Version != head.Version {
			return head, rows, fmt.Errorf("%s: header does not match first segment", filepath.Base(path))
		}
	}
	return head, rows, nil
}

func readSegment(path string, rows *[]recorder.Avalanche) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	base := filepath.Base(path)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if first {
			if err := json.Unmarshal(line, &h); err != nil {
				return h, fmt.Errorf("%s: header: %w", base, err)
			}
			if h.Type != TypeRun {
				return h, fmt.Errorf("%s: first line is %q, want %s", base, h.Type, TypeRun)
			}
			if h.Version != Version {
				return h, fmt.Errorf("%s: unsupported log version %d", base, h.Version)
			}
			first = false
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return h, fmt.Errorf("%s: unmarshal: %w", base, err)
		}
		if e.Type != TypeAvalanche {
			return h, fmt.Errorf("%s: unexpected %q line", base, e.Type)
		}
		if want := int64(len(*rows) + 1); e.Seq != want {
			return h, fmt.Errorf("%s: seq %d, want %d", base, e.Seq, want)
		}
		*rows = append(*rows, e.Avalanche)
	}
	if err := sc.Err(); err != nil {
		return h, fmt.Errorf("%s: %w", base, err)
	}
	if first {
		return h, fmt.Errorf("%s: empty segment", base)
	}
	return h, nil
}
