package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fracflow.ai/internal/sim/cascade"
	"fracflow.ai/internal/sim/model"
	"fracflow.ai/internal/sim/recorder"
)

func TestAppendCounts(t *testing.T) {
	s := New()
	err := s.Append([]recorder.Avalanche{
		{Size: 1, Slips: 1, Energy: 0.5},
		{Size: 4, Slips: 6, Energy: 3, Trigger: cascade.LocalInvasion, Interior: true},
		{Size: 2, Slips: 2, Energy: 1, Trigger: cascade.LocalInvasion},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(s.avalanches.WithLabelValues("local_invasion", "false")); got != 1 {
		t.Fatalf("local/exterior = %v", got)
	}
	if got := testutil.ToFloat64(s.avalanches.WithLabelValues("local_invasion", "true")); got != 1 {
		t.Fatalf("local/interior = %v", got)
	}
	if got := testutil.ToFloat64(s.avalanches.WithLabelValues("front_advance", "false")); got != 1 {
		t.Fatalf("front/exterior = %v", got)
	}
	if got := testutil.ToFloat64(s.slips); got != 9 {
		t.Fatalf("slips = %v", got)
	}
	if got := testutil.ToFloat64(s.energy); got != 4.5 {
		t.Fatalf("energy = %v", got)
	}
	if got := testutil.ToFloat64(s.flushes); got != 1 {
		t.Fatalf("flushes = %v", got)
	}
	if n := testutil.CollectAndCount(s.sizes); n != 1 {
		t.Fatalf("size histogram series = %d", n)
	}
}

func TestHandlerExposesRun(t *testing.T) {
	s := New()
	s.Observe(model.Stats{Steps: 12, Invaded: 13, Sites: 40, Frontier: 20, LMax: 3})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"fracsim_steps 12", "fracsim_invaded_sites 13", "fracsim_l_max 3"} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
