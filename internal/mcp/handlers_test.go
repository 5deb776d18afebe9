package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/HyphaGroup/lattice/internal/audit"
	"github.com/HyphaGroup/lattice/internal/compaction"
	"github.com/HyphaGroup/lattice/internal/conversation"
	"github.com/HyphaGroup/lattice/internal/event"
	"github.com/HyphaGroup/lattice/internal/minion"
	"github.com/HyphaGroup/lattice/internal/schedule"
	"github.com/HyphaGroup/lattice/internal/task"
)

func raw(typ string, kv ...any) map[string]any {
	m := map[string]any{"type": typ}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func (e *testEnv) send(t *testing.T, minionID string, ev map[string]any) MinionEventResult {
	t.Helper()
	var res MinionEventResult
	e.mustCall(t, "minion_event", MinionEventParams{MinionID: minionID, Event: ev}, &res)
	return res
}

func TestMinionEvent_Hello(t *testing.T) {
	env := newTestEnv(t)

	hints := []conversation.Hint{
		env.send(t, "m1", raw(event.TypeStreamStart, "messageId", "a1")).Hint,
		env.send(t, "m1", raw(event.TypeStreamDelta, "messageId", "a1", "delta", "Hel")).Hint,
		env.send(t, "m1", raw(event.TypeStreamDelta, "messageId", "a1", "delta", "lo")).Hint,
		env.send(t, "m1", raw(event.TypeStreamEnd, "messageId", "a1")).Hint,
	}
	want := []conversation.Hint{
		conversation.HintImmediate, conversation.HintThrottled,
		conversation.HintThrottled, conversation.HintImmediate,
	}
	if diff := cmp.Diff(want, hints); diff != "" {
		t.Errorf("hints mismatch (-want +got):\n%s", diff)
	}

	var msgs struct {
		Messages []conversation.Message `json:"messages"`
	}
	env.mustCall(t, "minion_messages", MinionMessagesParams{MinionID: "m1"}, &msgs)
	if len(msgs.Messages) != 1 || msgs.Messages[0].Content() != "Hello" {
		t.Errorf("messages = %+v", msgs.Messages)
	}

	var snap conversation.Snapshot
	env.mustCall(t, "minion_snapshot", MinionSnapshotParams{MinionID: "m1"}, &snap)
	if snap.MinionID != "m1" || len(snap.Messages) != 1 || len(snap.Streaming) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}

	var list struct {
		Minions []string `json:"minions"`
		Count   int      `json:"count"`
	}
	env.mustCall(t, "minion_list", struct{}{}, &list)
	if list.Count != 1 || list.Minions[0] != "m1" {
		t.Errorf("list = %+v", list)
	}
}

func TestMinionEvent_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		params  MinionEventParams
		wantErr error
	}{
		{"missing minion", MinionEventParams{Event: raw(event.TypeCaughtUp)}, nil},
		{"invalid minion", MinionEventParams{MinionID: "../etc", Event: raw(event.TypeCaughtUp)}, nil},
		{"missing event", MinionEventParams{MinionID: "m1"}, nil},
		{"malformed", MinionEventParams{MinionID: "m1", Event: raw(event.TypeStreamDelta)}, event.ErrMalformedEvent},
		{"protocol violation", MinionEventParams{MinionID: "m1", Event: raw(event.TypeStreamStart, "messageId", "dup")}, conversation.ErrProtocolViolation},
	}
	env.send(t, "m1", raw(event.TypeStreamStart, "messageId", "dup"))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.call(t, "minion_event", tt.params, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMinionEvent_HeaderDefaults(t *testing.T) {
	env := newTestEnv(t)

	h := http.Header{}
	for k, v := range GenerateMCPHeaders("hdr-minion", "hdr-minion", 0) {
		h.Set(k, v)
	}
	ctx := WithMCPHeaders(context.Background(), h)

	args, _ := json.Marshal(MinionEventParams{Event: raw(event.TypeStreamStart, "messageId", "a1")})
	if _, err := env.server.GetRegistry().CallTool(ctx, "minion_event", args); err != nil {
		t.Fatalf("minion_event error = %v", err)
	}
	if _, ok := env.minions.Lookup("hdr-minion"); !ok {
		t.Error("event should be applied to the minion named by the header")
	}
}

func TestMinionEventsSince(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "m1", raw(event.TypeStreamStart, "messageId", "a1"))
	env.send(t, "m1", raw(event.TypeStreamDelta, "messageId", "a1", "delta", "x"))
	env.send(t, "m1", raw(event.TypeStreamEnd, "messageId", "a1"))

	var out struct {
		Events    []minion.BufferedEvent `json:"events"`
		LastIndex int                    `json:"last_index"`
	}
	env.mustCall(t, "minion_events_since", map[string]any{"minion_id": "m1"}, &out)
	if len(out.Events) != 3 || out.LastIndex != 2 {
		t.Errorf("all events = %d, last = %d", len(out.Events), out.LastIndex)
	}

	env.mustCall(t, "minion_events_since", map[string]any{"minion_id": "m1", "index": 0}, &out)
	if len(out.Events) != 2 || out.Events[0].Kind != event.KindStreamDelta {
		t.Errorf("events after 0 = %+v", out.Events)
	}

	if err := env.call(t, "minion_events_since", map[string]any{"minion_id": "ghost"}, nil); !errors.Is(err, minion.ErrMinionNotFound) {
		t.Errorf("unknown minion error = %v", err)
	}
}

func TestMinionEvent_ReportRejected(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "root", raw(event.TypeStreamStart, "messageId", "a1"))
	env.send(t, "root", raw(event.TypeToolCallStart, "messageId", "a1", "toolCallId", "c1", "toolName", "task"))
	env.send(t, "root", raw(event.TypeToolCallEnd, "messageId", "a1", "toolCallId", "c1",
		"result", map[string]any{"taskId": "child", "title": "explore"}))

	res := env.send(t, "root", raw(event.TypeToolCallStart, "messageId", "a1", "toolCallId", "c2", "toolName", "agent_report"))
	if res.ReportError == "" || res.Index < 0 {
		t.Errorf("result = %+v, want applied event with report error", res)
	}
}

func TestMinionDispose_RebuildsFromStore(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "m1", raw(event.TypeStreamStart, "messageId", "a1"))
	env.send(t, "m1", raw(event.TypeStreamDelta, "messageId", "a1", "delta", "persisted"))
	env.send(t, "m1", raw(event.TypeStreamEnd, "messageId", "a1"))

	env.mustCall(t, "minion_dispose", MinionDisposeParams{MinionID: "m1"}, nil)
	if env.minions.Count() != 0 {
		t.Fatalf("Count() = %d after dispose", env.minions.Count())
	}

	var msgs struct {
		Messages []conversation.Message `json:"messages"`
	}
	env.mustCall(t, "minion_messages", MinionMessagesParams{MinionID: "m1"}, &msgs)
	if len(msgs.Messages) != 1 || msgs.Messages[0].Content() != "persisted" {
		t.Errorf("rebuilt messages = %+v", msgs.Messages)
	}

	if err := env.call(t, "minion_dispose", MinionDisposeParams{MinionID: "ghost"}, nil); !errors.Is(err, minion.ErrMinionNotFound) {
		t.Errorf("dispose unknown error = %v", err)
	}
}

func TestMinionSubscribe_RequiresSession(t *testing.T) {
	env := newTestEnv(t)
	if err := env.call(t, "minion_subscribe", MinionSubscribeParams{MinionID: "m1"}, nil); err == nil {
		t.Error("subscribe without a session should fail")
	}
	// unsubscribing is always allowed
	env.mustCall(t, "minion_subscribe", MinionSubscribeParams{MinionID: "m1", Unsubscribe: true}, nil)
}

func TestCompactionCancel(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "m1", map[string]any{
		"type": event.TypeMessage,
		"message": map[string]any{
			"id":   "u1",
			"role": "user",
			"metadata": map[string]any{
				"compactionRequest": map[string]any{
					"rawCommand": "/compact",
					"followUp":   map[string]any{"text": "then continue"},
				},
			},
		},
	})

	var interrupted compaction.InterruptOptions
	env.minions.SetInterruptHandler("m1", func(ctx context.Context, opts compaction.InterruptOptions) error {
		interrupted = opts
		return nil
	})

	var state compaction.EditState
	env.mustCall(t, "compaction_cancel", CompactionCancelParams{MinionID: "m1"}, &state)
	if state.MessageID != "u1" || state.Text != "/compact\nthen continue" {
		t.Errorf("state = %+v", state)
	}
	if !interrupted.AbandonPartial {
		t.Error("interrupt should abandon partial output")
	}

	if err := env.call(t, "compaction_cancel", CompactionCancelParams{MinionID: "m2"}, nil); !errors.Is(err, compaction.ErrNoCompactionRequest) {
		t.Errorf("no request error = %v", err)
	}
}

func TestTaskTools_ReportGating(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "root", raw(event.TypeCaughtUp))

	var child task.Task
	env.mustCall(t, "task_spawn", TaskSpawnParams{ParentID: "root", TaskID: "child", Title: "explore"}, &child)
	if child.Depth != 1 || child.Status != task.StatusQueued || child.DisplayName != "explore" {
		t.Errorf("child = %+v", child)
	}

	var grandchild task.Task
	env.mustCall(t, "task_spawn", TaskSpawnParams{ParentID: "child", TaskID: "grandchild", Running: true}, &grandchild)
	if grandchild.Depth != 2 || grandchild.Status != task.StatusRunning {
		t.Errorf("grandchild = %+v", grandchild)
	}

	var desc struct {
		Descendants []task.Descendant `json:"descendants"`
		Count       int               `json:"count"`
	}
	env.mustCall(t, "task_descendants", TaskDescendantsParams{TaskID: "root"}, &desc)
	if desc.Count != 2 || desc.Descendants[1].RelativeDepth != 2 {
		t.Errorf("descendants = %+v", desc)
	}

	if err := env.call(t, "task_report", TaskReportParams{TaskID: "child"}, nil); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("report of queued child error = %v", err)
	}
	env.mustCall(t, "task_status", TaskStatusParams{TaskID: "child", Status: task.StatusRunning}, nil)

	var report TaskReportResult
	env.mustCall(t, "task_report", TaskReportParams{TaskID: "child"}, &report)
	if report.Accepted || len(report.Pending) != 1 || report.Pending[0].ID != "grandchild" {
		t.Errorf("report = %+v", report)
	}

	var st task.Task
	env.mustCall(t, "task_status", TaskStatusParams{TaskID: "grandchild", Status: task.StatusAwaitingReport}, &st)
	if st.Status != task.StatusAwaitingReport {
		t.Errorf("status = %s", st.Status)
	}
	env.mustCall(t, "task_report", TaskReportParams{TaskID: "grandchild"}, &report)
	if !report.Accepted {
		t.Errorf("grandchild report = %+v", report)
	}
	env.mustCall(t, "task_report", TaskReportParams{TaskID: "child"}, &report)
	if !report.Accepted {
		t.Errorf("child report after grandchild = %+v", report)
	}

	env.mustCall(t, "task_descendants", TaskDescendantsParams{TaskID: "root"}, &desc)
	if desc.Count != 0 {
		t.Errorf("unresolved descendants = %+v", desc.Descendants)
	}
	env.mustCall(t, "task_descendants", TaskDescendantsParams{TaskID: "root", All: true}, &desc)
	if desc.Count != 2 {
		t.Errorf("all descendants = %+v", desc.Descendants)
	}
}

func TestAudit_WriteTools(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "root", raw(event.TypeCaughtUp))
	if env.audit.Len() != 0 {
		t.Fatalf("minion_event should not be audited: %s", env.audit.String())
	}

	env.mustCall(t, "task_spawn", TaskSpawnParams{ParentID: "root", TaskID: "child"}, nil)
	env.mustCall(t, "task_report", TaskReportParams{TaskID: "root"}, nil)

	var ops []string
	var success []bool
	dec := json.NewDecoder(env.audit)
	for dec.More() {
		var line struct {
			Operation string `json:"operation"`
			Success   bool   `json:"success"`
		}
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("decode audit: %v", err)
		}
		ops = append(ops, line.Operation)
		success = append(success, line.Success)
	}
	if diff := cmp.Diff([]string{string(audit.OpTaskSpawn), string(audit.OpTaskReport)}, ops); diff != "" {
		t.Errorf("operations mismatch (-want +got):\n%s", diff)
	}
	// the report is rejected because child is still queued
	if diff := cmp.Diff([]bool{true, false}, success); diff != "" {
		t.Errorf("success mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskTools_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "root", raw(event.TypeCaughtUp))

	tests := []struct {
		name    string
		tool    string
		args    any
		wantErr error
	}{
		{"spawn unknown parent", "task_spawn", TaskSpawnParams{ParentID: "ghost", TaskID: "c"}, task.ErrTaskNotFound},
		{"spawn duplicate", "task_spawn", TaskSpawnParams{ParentID: "root", TaskID: "root"}, task.ErrTaskExists},
		{"spawn bad scheduled id", "task_spawn", TaskSpawnParams{ParentID: "root", TaskID: "sched_nothex"}, nil},
		{"status unknown", "task_status", TaskStatusParams{TaskID: "ghost"}, task.ErrTaskNotFound},
		{"status invalid", "task_status", TaskStatusParams{TaskID: "root", Status: "done"}, nil},
		{"status reported", "task_status", TaskStatusParams{TaskID: "root", Status: task.StatusReported}, nil},
		{"descendants bad filter", "task_descendants", TaskDescendantsParams{TaskID: "root", Statuses: []task.Status{"done"}}, nil},
		{"report missing id", "task_report", TaskReportParams{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.call(t, tt.tool, tt.args, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskReport_GatedByProcess(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "root", raw(event.TypeCaughtUp))
	if err := env.processes.Register(task.Process{ID: "p1", MinionID: "root", Status: "running"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var report TaskReportResult
	env.mustCall(t, "task_report", TaskReportParams{TaskID: "root"}, &report)
	if report.Accepted || len(report.Pending) != 1 || report.Pending[0].Origin != task.OriginProcess {
		t.Errorf("report = %+v", report)
	}

	var procs struct {
		Count int `json:"count"`
	}
	env.mustCall(t, "process_list", ProcessListParams{MinionID: "root"}, &procs)
	if procs.Count != 1 {
		t.Errorf("process_list count = %d", procs.Count)
	}
	env.mustCall(t, "process_list", ProcessListParams{MinionID: "other"}, &procs)
	if procs.Count != 0 {
		t.Errorf("process_list for other minion = %d", procs.Count)
	}

	if err := env.processes.SetStatus("p1", "exited"); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	env.mustCall(t, "task_report", TaskReportParams{TaskID: "root"}, &report)
	if !report.Accepted {
		t.Errorf("report after process exit = %+v", report)
	}
}

func TestProcessScrollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.AppendScrollback(ctx, "p1", []string{"one", "two", "three"}); err != nil {
		t.Fatalf("AppendScrollback() error = %v", err)
	}

	var out struct {
		Lines []string `json:"lines"`
	}
	env.mustCall(t, "process_scrollback", ProcessScrollbackParams{ProcessID: "p1", Limit: 2}, &out)
	if diff := cmp.Diff([]string{"two", "three"}, out.Lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}

	env.mustCall(t, "process_scrollback", ProcessScrollbackParams{ProcessID: "empty"}, &out)
	if out.Lines == nil || len(out.Lines) != 0 {
		t.Errorf("empty scrollback = %#v", out.Lines)
	}

	if err := env.call(t, "process_scrollback", ProcessScrollbackParams{}, nil); err == nil {
		t.Error("missing process_id should fail")
	}
}

func TestScheduleTools(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, "root", raw(event.TypeCaughtUp))

	var job schedule.Job
	env.mustCall(t, "schedule_create", ScheduleCreateParams{
		MinionID: "root",
		Name:     "nightly",
		CronExpr: "0 2 * * *",
		Prompt:   "run the audit",
	}, &job)
	if job.ID == "" || !job.Enabled || job.NextRunAt == nil {
		t.Fatalf("job = %+v", job)
	}
	if !env.server.runner.Scheduled(job.ID) {
		t.Error("created job should be scheduled")
	}

	var list struct {
		Jobs  []schedule.Job `json:"jobs"`
		Count int            `json:"count"`
	}
	env.mustCall(t, "schedule_list", ScheduleListParams{MinionID: "root"}, &list)
	if list.Count != 1 || list.Jobs[0].Name != "nightly" {
		t.Errorf("list = %+v", list)
	}

	var trig struct {
		TaskID string `json:"task_id"`
	}
	env.mustCall(t, "schedule_trigger", ScheduleTriggerParams{JobID: job.ID}, &trig)
	spawned, ok := env.minions.Tracker().Get(trig.TaskID)
	if !ok || spawned.ParentID != "root" || spawned.Status != task.StatusQueued {
		t.Errorf("spawned = %+v, ok = %v", spawned, ok)
	}

	// the previous task has not reported
	if err := env.call(t, "schedule_trigger", ScheduleTriggerParams{JobID: job.ID}, nil); !errors.Is(err, schedule.ErrPreviousRunPending) {
		t.Errorf("second trigger error = %v", err)
	}

	disabled := false
	env.mustCall(t, "schedule_update", ScheduleUpdateParams{JobID: job.ID, Enabled: &disabled}, &job)
	if job.Enabled || env.server.runner.Scheduled(job.ID) {
		t.Errorf("disabled job = %+v, scheduled = %v", job, env.server.runner.Scheduled(job.ID))
	}

	env.mustCall(t, "schedule_delete", ScheduleDeleteParams{JobID: job.ID}, nil)
	env.mustCall(t, "schedule_list", ScheduleListParams{}, &list)
	if list.Count != 0 {
		t.Errorf("jobs after delete = %d", list.Count)
	}
	if err := env.call(t, "schedule_delete", ScheduleDeleteParams{JobID: job.ID}, nil); !errors.Is(err, schedule.ErrJobNotFound) {
		t.Errorf("delete missing error = %v", err)
	}
}

func TestScheduleCreate_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		params ScheduleCreateParams
	}{
		{"missing cron", ScheduleCreateParams{MinionID: "m1", Prompt: "p"}},
		{"missing prompt", ScheduleCreateParams{MinionID: "m1", CronExpr: "* * * * *"}},
		{"bad cron", ScheduleCreateParams{MinionID: "m1", CronExpr: "every day", Prompt: "p"}},
		{"missing minion", ScheduleCreateParams{CronExpr: "* * * * *", Prompt: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := env.call(t, "schedule_create", tt.params, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"user facing", task.ErrTaskNotFound, "task not found"},
		{"protocol violation", conversation.ErrProtocolViolation, "protocol violation"},
		{"sensitive", errors.New("bad API_KEY value"), "op failed: internal configuration error"},
		{"internal", errors.New("dial tcp: connection refused"), "op failed: internal error"},
		{"short generic", errors.New("boom"), "op failed: boom"},
		{"long generic", errors.New(strings.Repeat("x", 60)), "op failed: an unexpected error occurred"},
		{"validation wording", errors.New("process_id is required"), "process_id is required"},
		{
			"rejected report quoting marker-like ids",
			&task.ReportRejectedError{TaskID: "author-1", Pending: []task.Descendant{{Task: task.Task{ID: "token-refresh", Status: task.StatusRunning}}}},
			"task author-1 cannot report: 1 descendant task(s) still unresolved (token-refresh [running]); finish or await descendant tasks first",
		},
		{
			"protocol error quoting marker-like id",
			&conversation.ProtocolError{Op: "stream-end", MessageID: "auth-7", Reason: "no open stream"},
			`stream-end rejected for message "auth-7": no open stream`,
		},
		{
			"malformed event with internal-looking cause",
			&event.MalformedError{Type: "tool-call-start", Err: errors.New("timeout must be a number")},
			"malformed tool-call-start event: timeout must be a number",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeError(tt.err, "op")
			if tt.err == nil {
				if got != nil {
					t.Errorf("SanitizeError(nil) = %v", got)
				}
				return
			}
			if got.Error() != tt.want {
				t.Errorf("SanitizeError() = %q, want %q", got.Error(), tt.want)
			}
		})
	}
}
