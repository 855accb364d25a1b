package recorder

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"fracflow.ai/internal/sim/cascade"
)

func TestRecordFlushesAtBatchSize(t *testing.T) {
	mem := &Memory{}
	r := New(mem, 3)
	for i := 0; i < 7; i++ {
		if err := r.Record(Avalanche{Step: int64(i), Size: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if len(mem.Batches) != 2 || r.Pending() != 1 {
		t.Fatalf("batches=%d pending=%d", len(mem.Batches), r.Pending())
	}
	if err := r.Drain(); err != nil {
		t.Fatal(err)
	}
	if err := r.Drain(); err != nil {
		t.Fatal(err)
	}
	if r.Flushes() != 3 || r.Flushed() != 7 || r.Total() != 7 {
		t.Fatalf("flushes=%d flushed=%d total=%d", r.Flushes(), r.Flushed(), r.Total())
	}
	rows := mem.Rows()
	for i, a := range rows {
		if a.Seq != int64(i+1) || a.Step != int64(i) {
			t.Fatalf("row %d = %+v", i, a)
		}
	}
}

func TestFlushBoundaryTenThousandAndOne(t *testing.T) {
	mem := &Memory{}
	r := New(mem, 0)
	for i := 0; i < DefaultBatchSize+1; i++ {
		r.Record(Avalanche{Step: int64(i)})
	}
	r.Drain()

	if len(mem.Batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(mem.Batches))
	}
	if len(mem.Batches[0]) != DefaultBatchSize || len(mem.Batches[1]) != 1 {
		t.Fatalf("batch sizes %d, %d", len(mem.Batches[0]), len(mem.Batches[1]))
	}
	seen := map[int64]bool{}
	for _, a := range mem.Rows() {
		if seen[a.Seq] {
			t.Fatalf("seq %d duplicated across batches", a.Seq)
		}
		seen[a.Seq] = true
	}
	if len(seen) != DefaultBatchSize+1 {
		t.Fatalf("rows = %d", len(seen))
	}
}

func TestBatchesAreNotReused(t *testing.T) {
	mem := &Memory{}
	r := New(mem, 2)
	r.Record(Avalanche{Energy: 1})
	r.Record(Avalanche{Energy: 2})
	r.Record(Avalanche{Energy: 3})
	r.Record(Avalanche{Energy: 4})

	want := [][]Avalanche{
		{{Seq: 1, Energy: 1}, {Seq: 2, Energy: 2}},
		{{Seq: 3, Energy: 3}, {Seq: 4, Energy: 4}},
	}
	if diff := cmp.Diff(want, mem.Batches); diff != "" {
		t.Fatalf("batches (-want +got):\n%s", diff)
	}
}

func TestMultiCallsEverySinkAndJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	var calledB int
	m := Multi{
		SinkFunc(func([]Avalanche) error { return errA }),
		nil,
		SinkFunc(func(b []Avalanche) error { calledB += len(b); return nil }),
	}
	err := m.Append([]Avalanche{{Trigger: cascade.LocalInvasion}})
	if !errors.Is(err, errA) {
		t.Fatalf("err = %v", err)
	}
	if calledB != 1 {
		t.Fatalf("second sink not called")
	}
}

func TestSinkErrorSurfacesFromRecord(t *testing.T) {
	boom := errors.New("disk full")
	r := New(SinkFunc(func([]Avalanche) error { return boom }), 1)
	if err := r.Record(Avalanche{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
