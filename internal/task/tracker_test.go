package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fakeProcesses struct {
	procs []Process
	err   error
}

func (f *fakeProcesses) List(context.Context) ([]Process, error) {
	return f.procs, f.err
}

func ids(ds []Descendant) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

func TestReportGatedOnChild(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker()

	if _, err := tr.RegisterRoot("root", "root"); err != nil {
		t.Fatalf("RegisterRoot failed: %v", err)
	}
	child, err := tr.RegisterSpawn("root", "child1", 1)
	if err != nil {
		t.Fatalf("RegisterSpawn failed: %v", err)
	}
	if child.Status != StatusQueued || child.Depth != 1 || child.MinionID != "root" {
		t.Errorf("unexpected child: %+v", child)
	}

	err = tr.AcceptReport(ctx, "root")
	if !errors.Is(err, ErrUnresolvedDescendants) {
		t.Fatalf("expected ErrUnresolvedDescendants, got %v", err)
	}
	var rejected *ReportRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected *ReportRejectedError, got %T", err)
	}
	if diff := cmp.Diff([]string{"child1"}, ids(rejected.Pending)); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(err.Error(), "finish or await descendant tasks first") {
		t.Errorf("error should be actionable: %q", err.Error())
	}
	if task, _ := tr.Get("root"); task.Status == StatusReported {
		t.Fatal("rejected report must not change status")
	}

	if err := tr.SetStatus("child1", StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := tr.AcceptReport(ctx, "root"); err == nil {
		t.Fatal("root must stay gated while child1 runs")
	}
	if err := tr.AcceptReport(ctx, "child1"); err != nil {
		t.Fatalf("AcceptReport(child1) failed: %v", err)
	}
	if err := tr.AcceptReport(ctx, "root"); err != nil {
		t.Fatalf("AcceptReport(root) failed: %v", err)
	}
	if task, _ := tr.Get("root"); task.Status != StatusReported {
		t.Errorf("root status = %q, want reported", task.Status)
	}
}

func TestRegisterSpawnValidation(t *testing.T) {
	tr := NewTracker(WithMaxDepth(2))
	if _, err := tr.RegisterRoot("root", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.RegisterSpawn("root", "c1", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.RegisterSpawn("c1", "c2", 2); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		parent  string
		child   string
		depth   int
		wantErr error
	}{
		{"unknown parent", "nope", "x", 1, ErrTaskNotFound},
		{"duplicate child", "root", "c1", 1, ErrTaskExists},
		{"depth too small", "c1", "x", 1, ErrDepthMismatch},
		{"depth skips level", "root", "x", 2, ErrDepthMismatch},
		{"max depth", "c2", "x", 3, ErrDepthExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.RegisterSpawn(tt.parent, tt.child, tt.depth)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RegisterSpawn() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpawnUnderReportedParentRejected(t *testing.T) {
	tr := NewTracker()
	tr.RegisterRoot("root", "")
	if err := tr.AcceptReport(context.Background(), "root"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.RegisterSpawn("root", "late", 1); !errors.Is(err, ErrParentReported) {
		t.Errorf("expected ErrParentReported, got %v", err)
	}
}

func TestAcceptReportRequiresStartedTask(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker()
	tr.RegisterRoot("root", "")
	tr.RegisterSpawn("root", "c1", 1)

	if err := tr.AcceptReport(ctx, "c1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("queued report error = %v, want ErrInvalidTransition", err)
	}
	if c, _ := tr.Get("c1"); c.Status != StatusQueued {
		t.Errorf("c1 status = %q after rejected report", c.Status)
	}

	for _, s := range []Status{StatusRunning, StatusAwaitingReport} {
		if err := tr.SetStatus("c1", s); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.AcceptReport(ctx, "c1"); err != nil {
		t.Fatalf("AcceptReport(awaiting_report) failed: %v", err)
	}
	if err := tr.AcceptReport(ctx, "c1"); err != nil {
		t.Errorf("repeated report error = %v", err)
	}
	if _, err := tr.RegisterSpawn("c1", "late", 2); !errors.Is(err, ErrParentReported) {
		t.Errorf("spawn under reported task error = %v", err)
	}
}

func TestSetStatusTransitions(t *testing.T) {
	tr := NewTracker()
	tr.RegisterRoot("root", "")
	tr.RegisterSpawn("root", "c1", 1)

	if err := tr.SetStatus("c1", StatusAwaitingReport); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("queued -> awaiting_report should fail, got %v", err)
	}
	if err := tr.SetStatus("c1", StatusReported); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("direct reported should fail, got %v", err)
	}
	for _, s := range []Status{StatusRunning, StatusAwaitingReport, StatusRunning, StatusRunning} {
		if err := tr.SetStatus("c1", s); err != nil {
			t.Fatalf("SetStatus(%s) failed: %v", s, err)
		}
	}
	if err := tr.SetStatus("ghost", StatusRunning); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListDescendantsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker()
	tr.RegisterRoot("root", "")
	tr.RegisterSpawn("root", "zeta", 1)
	tr.RegisterSpawn("root", "alpha", 1, WithInitialStatus(StatusRunning))
	tr.RegisterSpawn("zeta", "mid", 2)
	tr.RegisterRoot("other", "")
	tr.RegisterSpawn("other", "unrelated", 1)
	tr.RegisterSpawn("alpha", "done", 2, WithInitialStatus(StatusRunning))
	if err := tr.AcceptReport(ctx, "done"); err != nil {
		t.Fatal(err)
	}

	got, err := tr.ListDescendants(ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, ids(got)); diff != "" {
		t.Errorf("default filter mismatch (-want +got):\n%s", diff)
	}

	all, err := tr.ListDescendants(ctx, "root", AllStatuses...)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid", "done"}, ids(all)); diff != "" {
		t.Errorf("all statuses mismatch (-want +got):\n%s", diff)
	}

	sub, err := tr.ListDescendants(ctx, "zeta", AllStatuses...)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub) != 1 || sub[0].ID != "mid" || sub[0].RelativeDepth != 1 {
		t.Errorf("unexpected subtree listing: %+v", sub)
	}

	if _, err := tr.ListDescendants(ctx, "ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListDescendantsFoldsProcesses(t *testing.T) {
	ctx := context.Background()
	procs := &fakeProcesses{procs: []Process{
		{ID: "p-root", MinionID: "root", Status: "running", DisplayName: "dev server"},
		{ID: "p-child", MinionID: "c1", Status: "exited"},
		{ID: "p-other", MinionID: "elsewhere", Status: "running"},
	}}
	tr := NewTracker(WithProcesses(procs, nil))
	tr.RegisterRoot("root", "")
	tr.RegisterSpawn("root", "c1", 1, WithInitialStatus(StatusRunning))

	all, err := tr.ListDescendants(ctx, "root", AllStatuses...)
	if err != nil {
		t.Fatal(err)
	}
	type row struct {
		ID     string
		Status Status
		Origin Origin
		Depth  int
	}
	var got []row
	for _, d := range all {
		got = append(got, row{d.ID, d.Status, d.Origin, d.RelativeDepth})
	}
	want := []row{
		{"c1", StatusRunning, OriginAgent, 1},
		{"p-root", StatusRunning, OriginProcess, 1},
		{"p-child", StatusReported, OriginProcess, 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("descendants mismatch (-want +got):\n%s", diff)
	}

	// c1 has only a reported process under it
	if err := tr.AcceptReport(ctx, "c1"); err != nil {
		t.Fatalf("AcceptReport(c1) failed: %v", err)
	}
	// root still has a running process
	if err := tr.AcceptReport(ctx, "root"); !errors.Is(err, ErrUnresolvedDescendants) {
		t.Fatalf("expected rejection for running process, got %v", err)
	}
	procs.procs[0].Status = "stopped"
	if err := tr.AcceptReport(ctx, "root"); err != nil {
		t.Fatalf("AcceptReport(root) failed: %v", err)
	}
}

func TestHostPredicateMayCallTracker(t *testing.T) {
	ctx := context.Background()
	procs := &fakeProcesses{procs: []Process{{ID: "p1", MinionID: "c1", Status: "running"}}}
	var tr *Tracker
	tr = NewTracker(WithProcesses(procs, func(root, candidate string) bool {
		return tr.IsDescendant(root, candidate)
	}))
	tr.RegisterRoot("root", "")
	tr.RegisterSpawn("root", "c1", 1)

	has, err := tr.HasUnresolvedDescendants(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("c1 owns a running process")
	}
}

func TestProcessListFailurePropagates(t *testing.T) {
	boom := errors.New("docker unreachable")
	tr := NewTracker(WithProcesses(&fakeProcesses{err: boom}, nil))
	tr.RegisterRoot("root", "")
	if err := tr.AcceptReport(context.Background(), "root"); !errors.Is(err, boom) {
		t.Errorf("expected list error, got %v", err)
	}
}

func TestProcessStatus(t *testing.T) {
	tests := map[string]Status{
		"running": StatusRunning,
		"exited":  StatusReported,
		"":        StatusReported,
		"queued":  StatusReported,
	}
	for in, want := range tests {
		if got := ProcessStatus(in); got != want {
			t.Errorf("ProcessStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

// AcceptReport succeeds exactly when every descendant is reported
func TestAcceptReportIffAllDescendantsReported(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 30; trial++ {
		tr := NewTracker()
		tr.RegisterRoot("root", "")
		nodes := []string{"root"}
		for i := 0; i < 15; i++ {
			parent := nodes[rng.Intn(len(nodes))]
			pt, _ := tr.Get(parent)
			if pt.Status == StatusReported {
				continue
			}
			id := fmt.Sprintf("t%d", i)
			if _, err := tr.RegisterSpawn(parent, id, pt.Depth+1, WithInitialStatus(StatusRunning)); err != nil {
				t.Fatal(err)
			}
			nodes = append(nodes, id)
			if rng.Intn(2) == 0 {
				_ = tr.AcceptReport(ctx, id)
			}
		}

		for _, id := range nodes {
			all, err := tr.ListDescendants(ctx, id, AllStatuses...)
			if err != nil {
				t.Fatal(err)
			}
			allReported := true
			for _, d := range all {
				if d.Status != StatusReported {
					allReported = false
				}
			}
			err = tr.AcceptReport(ctx, id)
			if (err == nil) != allReported {
				t.Fatalf("trial %d task %s: AcceptReport err=%v, allReported=%v", trial, id, err, allReported)
			}
		}
	}
}

func TestConcurrentSpawnsAndQueries(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker()
	tr.RegisterRoot("root", "")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if _, err := tr.RegisterSpawn("root", id, 1); err != nil {
					t.Errorf("RegisterSpawn(%s) failed: %v", id, err)
					return
				}
				if _, err := tr.HasUnresolvedDescendants(ctx, "root"); err != nil {
					t.Errorf("HasUnresolvedDescendants failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	all, err := tr.ListDescendants(ctx, "root", AllStatuses...)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 200 {
		t.Errorf("len(descendants) = %d, want 200", len(all))
	}
	if counts := tr.Counts(); counts[string(StatusQueued)] != 200 {
		t.Errorf("Counts() = %v", counts)
	}
}
