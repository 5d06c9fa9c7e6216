package windows

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"memini/internal/chat"
	"memini/internal/provider"
	"memini/internal/tools"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []provider.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest, _ *provider.StreamCallbacks) (provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return provider.ChatResponse{}, p.err
	}
	if len(p.responses) == 0 {
		return provider.ChatResponse{Content: "no more script"}, nil
	}
	text := p.responses[0]
	p.responses = p.responses[1:]
	return provider.ChatResponse{Content: text}, nil
}

func (p *scriptedProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("unsupported")
}
func (p *scriptedProvider) CurrentModel() string  { return "scripted" }
func (p *scriptedProvider) SetModel(string) error { return nil }

func (p *scriptedProvider) request(i int) provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type harness struct {
	mgr     *Manager
	spawner *Spawner
	updates chan any
}

func newHarness(p provider.Provider) *harness {
	coord := NewCoordination()
	updates := make(chan any, 64)
	return &harness{
		mgr:     NewManager(coord),
		updates: updates,
		spawner: &Spawner{
			Provider:          p,
			Coordination:      coord,
			Emit:              func(ev any) { updates <- ev },
			MaxLoops:          4,
			MaxThreadMessages: 20,
		},
	}
}

// drain applies updates like the foreground loop until stop matches.
func (h *harness) drain(t *testing.T, stop func(Event) bool) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u := <-h.updates:
			ev, ok := u.(Event)
			if !ok {
				t.Fatalf("unexpected update %T", u)
			}
			h.mgr.Apply(ev)
			if stop(ev) {
				return
			}
		case <-timeout:
			t.Fatal("timed out draining updates")
		}
	}
}

func isFinished(ev Event) bool {
	_, ok := ev.(Finished)
	return ok
}

func TestSpawnRunsToDoneWithRecord(t *testing.T) {
	p := &scriptedProvider{responses: []string{"Found 3 open issues.\nAll triaged."}}
	h := newHarness(p)

	res, err := h.spawner.Spawn(context.Background(), tools.SpawnArgs{Prompt: "triage the open issues", CoordinationKey: "triage"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	out := res.(map[string]any)
	if out["window_id"] != 1 || out["status"] != "thinking" {
		t.Fatalf("spawn result: %v", out)
	}

	// nothing has been drained yet, so no child has finished
	collected := h.spawner.Collect("triage").(map[string]any)
	if collected["count"] != 0 || len(collected["results"].([]Record)) != 0 {
		t.Fatalf("collect before completion: %v", collected)
	}

	h.drain(t, isFinished)
	w, ok := h.mgr.Get(1)
	if !ok {
		t.Fatal("window 1 missing")
	}
	if w.Status != Done || w.Failed || w.Label != "triage the open issues" {
		t.Fatalf("window state: %+v", w)
	}
	if len(w.Output) != 2 || w.Output[1] != "All triaged." {
		t.Fatalf("output: %q", w.Output)
	}
	records := h.spawner.Collect("triage").(map[string]any)["results"].([]Record)
	if len(records) != 1 || records[0].WindowID != 1 || !strings.Contains(records[0].Result, "3 open issues") {
		t.Fatalf("records: %+v", records)
	}

	req := p.request(0)
	if req.Messages[0].Role != chat.RoleSystem || !strings.Contains(req.Messages[0].Content, "delegated worker") {
		t.Fatalf("worker prompt missing: %q", req.Messages[0].Content)
	}
	for _, d := range req.Tools {
		if d.Function.Name == tools.SpawnToolName {
			t.Fatal("sessions must not be offered spawn_agent")
		}
	}
}

func TestNeedsInputAndReply(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		"I can cut the release.\nNEEDS_INPUT: which branch?",
		"Release cut from main.",
	}}
	h := newHarness(p)
	w, start, err := h.spawner.Prepare(tools.SpawnArgs{Prompt: "cut a release"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	h.mgr.Add(w)
	start()

	h.drain(t, func(ev Event) bool { _, ok := ev.(Waiting); return ok })
	got, _ := h.mgr.Get(w.ID)
	if got.Status != WaitingForInput || got.PendingQuestion != "which branch?" {
		t.Fatalf("not waiting: %+v", got)
	}
	if next, ok := h.mgr.NextWaiting(); !ok || next != w.ID {
		t.Fatalf("next waiting = %d, %v", next, ok)
	}

	id, err := h.mgr.Reply("next", "main")
	if err != nil || id != w.ID {
		t.Fatalf("reply: %d, %v", id, err)
	}
	if got, _ := h.mgr.Get(w.ID); got.Status != Thinking {
		t.Fatalf("reply must resume thinking, got %s", got.Status)
	}

	h.drain(t, isFinished)
	got, _ = h.mgr.Get(w.ID)
	if got.Status != Done || got.Result != "Release cut from main." {
		t.Fatalf("final: %+v", got)
	}
	second := p.request(1).Messages
	last := second[len(second)-1]
	if last.Role != chat.RoleUser || last.Content != "main" {
		t.Fatalf("reply not delivered to thread: %+v", last)
	}
	if second[2].Role != chat.RoleAssistant || !strings.Contains(second[2].Content, "NEEDS_INPUT") {
		t.Fatalf("private thread lost the question: %+v", second)
	}
}

func TestReplyStateErrors(t *testing.T) {
	m := NewManager(nil)
	m.Add(&Window{ID: 1, Status: Thinking, input: make(chan string, 1)})
	m.Add(&Window{ID: 2, Status: Done})

	cases := []struct {
		target string
		want   error
	}{
		{"next", ErrNoWaitingWindow},
		{"1", ErrNotWaiting},
		{"2", ErrNotWaiting},
		{"9", ErrUnknownWindow},
		{"abc", ErrUnknownWindow},
	}
	for _, tc := range cases {
		if _, err := m.Reply(tc.target, "hello"); !errors.Is(err, tc.want) {
			t.Fatalf("reply %q: got %v, want %v", tc.target, err, tc.want)
		}
	}
	if _, err := m.Reply("1", "  "); !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("empty reply: %v", err)
	}
}

func TestSessionFailureStillRecorded(t *testing.T) {
	p := &scriptedProvider{err: errors.New("rate limited")}
	h := newHarness(p)
	if _, err := h.spawner.Spawn(context.Background(), tools.SpawnArgs{Label: "scan", Prompt: "scan", CoordinationKey: "k"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.drain(t, isFinished)

	w, _ := h.mgr.Get(1)
	if w.Status != Done || !w.Failed || !strings.Contains(w.Result, "rate limited") {
		t.Fatalf("window: %+v", w)
	}
	records := h.mgr.Coordination().Results("k")
	if len(records) != 1 || !records[0].Failed {
		t.Fatalf("records: %+v", records)
	}
}

func TestRemoveNeverReusesIDs(t *testing.T) {
	h := newHarness(&scriptedProvider{responses: []string{"a", "b", "c"}})
	for i := 0; i < 2; i++ {
		if _, err := h.spawner.Spawn(context.Background(), tools.SpawnArgs{Prompt: "work"}); err != nil {
			t.Fatalf("spawn: %v", err)
		}
	}
	done := 0
	h.drain(t, func(ev Event) bool {
		if isFinished(ev) {
			done++
		}
		return done == 2
	})
	if err := h.mgr.Remove(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := h.mgr.Remove(1); !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("second remove: %v", err)
	}
	w, _, err := h.spawner.Prepare(tools.SpawnArgs{Prompt: "more"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if w.ID != 3 {
		t.Fatalf("id reused: %d", w.ID)
	}
	if ids := h.mgr.List(); len(ids) != 1 || ids[0].ID != 2 {
		t.Fatalf("list: %+v", ids)
	}
}

func TestSpawnRequiresConnectedServer(t *testing.T) {
	h := newHarness(&scriptedProvider{})
	_, err := h.spawner.Spawn(context.Background(), tools.SpawnArgs{Prompt: "x", MCPServer: "github"})
	if !errors.Is(err, ErrServerNotConnected) {
		t.Fatalf("expected ErrServerNotConnected, got %v", err)
	}
}

func TestOutputSoftCap(t *testing.T) {
	w := &Window{ID: 1}
	for i := 0; i < MaxOutputLines+150; i++ {
		w.appendOutput("line")
	}
	w.appendOutput("last")
	if len(w.Output) != MaxOutputLines || w.Output[len(w.Output)-1] != "last" {
		t.Fatalf("output len %d", len(w.Output))
	}
}

func TestCoordinationViewsAreImmutable(t *testing.T) {
	c := NewCoordination()
	c.Append("k", Record{WindowID: 1, Result: "one"})
	before := c.Results("k")
	c.Append("k", Record{WindowID: 2, Result: "two"})
	c.Append("other", Record{WindowID: 3})

	if len(before) != 1 {
		t.Fatalf("earlier read changed: %+v", before)
	}
	after := c.Results("k")
	if len(after) != 2 || after[0].WindowID != 1 || after[1].WindowID != 2 {
		t.Fatalf("completion order lost: %+v", after)
	}
	if keys := c.Keys(); len(keys) != 2 || keys[0] != "k" {
		t.Fatalf("keys: %v", keys)
	}
	if got := c.Results("missing"); got == nil || len(got) != 0 {
		t.Fatalf("missing key should be an empty list, got %#v", got)
	}
}
