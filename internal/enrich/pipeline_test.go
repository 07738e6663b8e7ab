package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smartpixl/pixel-ingester/internal/model"
	"go.uber.org/zap"
)

type stubStep struct {
	name string
	fn   func(rec model.TrackingRecord) (model.TrackingRecord, error)
}

func (s stubStep) Name() string { return s.name }
func (s stubStep) Apply(_ context.Context, rec model.TrackingRecord) (model.TrackingRecord, error) {
	return s.fn(rec)
}

func TestPipelineAppliesStepsInOrder(t *testing.T) {
	var order []string
	mk := func(name string) Step {
		return stubStep{name: name, fn: func(rec model.TrackingRecord) (model.TrackingRecord, error) {
			order = append(order, name)
			return rec.WithServerParams(name, "1"), nil
		}}
	}
	p := New([]Step{mk("a"), mk("b"), mk("c")}, zap.NewNop())

	rec := p.Enrich(context.Background(), model.TrackingRecord{})
	if len(order) != 3 || order[0] != "a" || order[2] != "c" {
		t.Errorf("step order = %v", order)
	}
	for _, name := range []string{"a", "b", "c"} {
		if v, _ := rec.ServerParam(name); v != "1" {
			t.Errorf("step %s output missing", name)
		}
	}
}

func TestPipelineFailingStepContributesNothing(t *testing.T) {
	failing := stubStep{name: "boom", fn: func(rec model.TrackingRecord) (model.TrackingRecord, error) {
		return rec.WithServerParams("partial", "1"), errors.New("step failed")
	}}
	after := stubStep{name: "after", fn: func(rec model.TrackingRecord) (model.TrackingRecord, error) {
		return rec.WithServerParams("after", "1"), nil
	}}
	p := New([]Step{failing, after}, zap.NewNop())

	rec := p.Enrich(context.Background(), model.TrackingRecord{})
	if _, ok := rec.ServerParam("partial"); ok {
		t.Error("failed step output leaked into record")
	}
	if v, _ := rec.ServerParam("after"); v != "1" {
		t.Error("pipeline stopped at failing step")
	}
}

func TestPipelineRecoversPanic(t *testing.T) {
	panicking := stubStep{name: "panic", fn: func(rec model.TrackingRecord) (model.TrackingRecord, error) {
		panic("unexpected")
	}}
	after := stubStep{name: "after", fn: func(rec model.TrackingRecord) (model.TrackingRecord, error) {
		return rec.WithServerParams("after", "1"), nil
	}}
	p := New([]Step{panicking, after}, zap.NewNop())

	rec := p.Enrich(context.Background(), model.TrackingRecord{})
	if v, _ := rec.ServerParam("after"); v != "1" {
		t.Error("pipeline did not survive a panicking step")
	}
}

func TestPipelineRunDropsWhenWriterFull(t *testing.T) {
	p := New(nil, zap.NewNop())
	in := make(chan model.TrackingRecord, 2)
	out := make(chan model.TrackingRecord, 1)

	in <- model.TrackingRecord{CompanyID: "1"}
	in <- model.TrackingRecord{CompanyID: "2"}
	close(in)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), in, out)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after input close")
	}
	// Writer channel holds one; the second was offered non-blocking and
	// dropped.
	if len(out) != 1 {
		t.Errorf("writer channel depth = %d, want 1", len(out))
	}
	got := <-out
	if got.CompanyID != "1" {
		t.Errorf("surviving record = %s, want first in order", got.CompanyID)
	}
}

func TestPipelineRunDrainsBacklogOnClose(t *testing.T) {
	p := New(nil, zap.NewNop())
	in := make(chan model.TrackingRecord, 8)
	out := make(chan model.TrackingRecord, 8)

	// Records sitting in the channel at shutdown must reach the writer
	// before Run returns; closing the intake side is the drain signal.
	for i := 0; i < 5; i++ {
		in <- model.TrackingRecord{CompanyID: "1"}
	}
	close(in)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), in, out)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after input close")
	}
	if len(out) != 5 {
		t.Errorf("writer channel depth = %d, want all 5 buffered records delivered", len(out))
	}
}

func TestPipelineOriginalCarrierPreserved(t *testing.T) {
	p := New([]Step{NewKnownBots(), NewUAParse(), NewAffluence(), NewContradictions(), NewCultural(), NewLeadScore()}, zap.NewNop())
	orig := "sw=1920&sh=1080&canvasFP=abc&fonts=Arial,Verdana"
	rec := p.Enrich(context.Background(), model.TrackingRecord{
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		QueryString: orig,
	})
	if rec.QueryString[:len(orig)] != orig {
		t.Errorf("original carrier mutated: %q", rec.QueryString)
	}
}
