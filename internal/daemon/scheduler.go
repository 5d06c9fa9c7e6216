package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"memini/internal/prompts"
)

var (
	ErrUnknownTask     = errors.New("unknown daemon task")
	ErrAlreadyRunning  = errors.New("daemon task already running")
	ErrNotRunning      = errors.New("no running daemon task")
	ErrBuiltinRemove   = errors.New("built-in tasks cannot be removed")
	ErrBuiltinConflict = errors.New("name conflicts with a built-in task")
	ErrUnknownTemplate = errors.New("unknown recipe template")
)

const eventBuffer = 16

type handle struct {
	def    TaskDef
	cancel context.CancelFunc
	wake   chan struct{}
	events chan Event
	done   chan struct{}
}

// Scheduler owns the running tasks. Results are reported through Emit as
// Result values; Emit must not block for long.
type Scheduler struct {
	runner  Runner
	recipes *RecipeDir
	emit    func(any)
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	handles map[string]*handle
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(runner Runner, recipes *RecipeDir, emit func(any), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(any) {}
	}
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		runner:  runner,
		recipes: recipes,
		emit:    emit,
		logger:  logger,
		now:     time.Now,
		handles: map[string]*handle{},
		base:    base,
		stop:    stop,
	}
}

func (s *Scheduler) Recipes() *RecipeDir {
	return s.recipes
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Start runs def until stopped. A task with the same name, compared
// case-insensitively, must not already be running.
func (s *Scheduler) Start(def TaskDef) error {
	if key(def.Name) == "" {
		return ErrBadName
	}
	if def.Interval <= 0 {
		def.Interval = DefaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[key(def.Name)]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, def.Name)
	}
	ctx, cancel := context.WithCancel(s.base)
	h := &handle{
		def:    def,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	s.handles[key(def.Name)] = h
	s.wg.Add(1)
	go s.loop(ctx, h)
	s.logger.Info("daemon task started", "task", def.Name, "interval", def.Interval, "trigger", def.TriggerSummary())
	return nil
}

func (s *Scheduler) loop(ctx context.Context, h *handle) {
	defer s.wg.Done()
	defer close(h.done)
	var tick <-chan time.Time
	if !h.def.Paused {
		ticker := time.NewTicker(h.def.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.runOnce(ctx, h.def, nil)
		case <-h.wake:
			s.runOnce(ctx, h.def, nil)
		case ev := <-h.events:
			s.runOnce(ctx, h.def, &ev)
		}
	}
}

// runOnce runs a single pass and reports it. Cancelled runs and runs with
// nothing to say report nothing.
func (s *Scheduler) runOnce(ctx context.Context, def TaskDef, trigger *Event) {
	msg, err := s.runner.Run(ctx, def, trigger)
	if ctx.Err() != nil {
		return
	}
	if err == nil && strings.TrimSpace(msg) == "" {
		return
	}
	r := Result{ID: uuid.NewString(), Task: def.Name, Message: msg, Err: err, At: s.now()}
	if trigger != nil {
		r.Trigger = trigger.Type
		if trigger.Variable != "" {
			r.Trigger += ":" + trigger.Variable
		}
	}
	if err != nil {
		s.logger.Warn("daemon run failed", "task", def.Name, "err", err)
	}
	s.emit(r)
}

// Stop cancels a running task, including an in-flight run.
func (s *Scheduler) Stop(name string) (TaskDef, error) {
	s.mu.Lock()
	h, ok := s.handles[key(name)]
	if ok {
		delete(s.handles, key(name))
	}
	s.mu.Unlock()
	if !ok {
		return TaskDef{}, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	h.cancel()
	s.logger.Info("daemon task stopped", "task", h.def.Name)
	return h.def, nil
}

// Remove stops a task and deletes its recipe file. Built-ins are stopped
// but never removed; the returned error is ErrBuiltinRemove either way.
func (s *Scheduler) Remove(name string) (stopped bool, path string, err error) {
	_, stopErr := s.Stop(name)
	stopped = stopErr == nil
	if IsBuiltin(name) {
		return stopped, "", fmt.Errorf("%w: %s", ErrBuiltinRemove, name)
	}
	if s.recipes != nil {
		path, err = s.recipes.Remove(name)
		if err != nil {
			return stopped, "", err
		}
	}
	if path == "" && !stopped {
		return false, "", fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return stopped, path, nil
}

// Lookup finds a task definition among built-ins then recipes.
func (s *Scheduler) Lookup(name string) (TaskDef, error) {
	if def, ok := Builtin(name); ok {
		return def, nil
	}
	if s.recipes != nil {
		rec, ok, err := s.recipes.Find(name)
		if ok {
			return rec.Def(), nil
		}
		if err != nil {
			return TaskDef{}, fmt.Errorf("%w: %s (%v)", ErrUnknownTask, name, err)
		}
	}
	return TaskDef{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

// StartNamed starts a built-in or recipe task by name.
func (s *Scheduler) StartNamed(name string) (TaskDef, error) {
	if s.Running(name) {
		return TaskDef{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	def, err := s.Lookup(name)
	if err != nil {
		return TaskDef{}, err
	}
	return def, s.Start(def)
}

// Create writes an auto-starting recipe using the local tools and starts it.
func (s *Scheduler) Create(name string, interval time.Duration, instructions string) (TaskDef, error) {
	if IsBuiltin(name) {
		return TaskDef{}, fmt.Errorf("%w: %s", ErrBuiltinConflict, name)
	}
	if s.Running(name) {
		return TaskDef{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	return s.writeAndStart(Recipe{
		Name:         name,
		Description:  "CLI-created auto-agent recipe",
		Interval:     interval,
		AutoStart:    true,
		Tools:        []string{"local"},
		Persona:      prompts.DaemonPersona(name),
		Instructions: instructions,
	})
}

// Scaffold writes a recipe from a template and starts it.
func (s *Scheduler) Scaffold(templateID, name string) (TaskDef, error) {
	t, ok := TemplateByID(templateID)
	if !ok {
		return TaskDef{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}
	rec := t.Recipe(name)
	if IsBuiltin(rec.Name) {
		return TaskDef{}, fmt.Errorf("%w: %s", ErrBuiltinConflict, rec.Name)
	}
	return s.writeAndStart(rec)
}

func (s *Scheduler) writeAndStart(rec Recipe) (TaskDef, error) {
	if s.recipes == nil {
		return TaskDef{}, errors.New("no recipe directory configured")
	}
	written, err := s.recipes.Write(rec)
	if err != nil {
		return TaskDef{}, err
	}
	def := written.Def()
	return def, s.Start(def)
}

// RunNow wakes a running task, or runs a known task once without
// registering it. woke reports which happened.
func (s *Scheduler) RunNow(name string) (woke bool, err error) {
	s.mu.Lock()
	h, ok := s.handles[key(name)]
	s.mu.Unlock()
	if ok {
		select {
		case h.wake <- struct{}{}:
		default:
		}
		return true, nil
	}
	def, err := s.Lookup(name)
	if err != nil {
		return false, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(s.base, def, nil)
	}()
	return false, nil
}

// Publish delivers ev to every running task whose trigger matches. A task
// with a full event queue drops the event.
func (s *Scheduler) Publish(ev Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fired := 0
	for _, h := range s.handles {
		if !h.def.MatchesTrigger(ev.Type, ev.Variable) {
			continue
		}
		select {
		case h.events <- ev:
			fired++
		default:
			s.logger.Warn("daemon event dropped", "task", h.def.Name, "event", ev.Type)
		}
	}
	return fired
}

// Autostart starts the built-ins (when builtins is set) and every recipe
// marked auto_start. Recipes colliding with a built-in and tasks already
// running are skipped; skipped collisions are returned.
func (s *Scheduler) Autostart(builtins bool) (started []string, conflicts []string, err error) {
	if builtins {
		for _, def := range Builtins() {
			if s.Start(def) == nil {
				started = append(started, def.Name)
			}
		}
	}
	if s.recipes == nil {
		return started, nil, nil
	}
	recipes, err := s.recipes.Load()
	for _, rec := range recipes {
		if !rec.AutoStart {
			continue
		}
		if IsBuiltin(rec.Name) {
			conflicts = append(conflicts, rec.Name)
			continue
		}
		if s.Running(rec.Name) {
			continue
		}
		if s.Start(rec.Def()) == nil {
			started = append(started, rec.Name)
		}
	}
	return started, conflicts, err
}

func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[key(name)]
	return ok
}

// RunningDefs returns the running task definitions sorted by name.
func (s *Scheduler) RunningDefs() []TaskDef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskDef, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.def)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i].Name) < key(out[j].Name) })
	return out
}

// Listing is one row of the task overview.
type Listing struct {
	Def     TaskDef
	Running bool
	// Source is "builtin", "file" or "runtime".
	Source string
	// Shadowed marks a recipe hidden by a built-in of the same name.
	Shadowed bool
}

// List merges built-ins, recipes and runtime-only tasks.
func (s *Scheduler) List() ([]Listing, error) {
	var out []Listing
	known := map[string]bool{}
	for _, def := range Builtins() {
		known[key(def.Name)] = true
		out = append(out, Listing{Def: def, Running: s.Running(def.Name), Source: "builtin"})
	}
	var loadErr error
	if s.recipes != nil {
		var recipes []Recipe
		recipes, loadErr = s.recipes.Load()
		for _, rec := range recipes {
			if known[key(rec.Name)] {
				out = append(out, Listing{Def: rec.Def(), Source: "file", Shadowed: true})
				continue
			}
			known[key(rec.Name)] = true
			out = append(out, Listing{Def: rec.Def(), Running: s.Running(rec.Name), Source: "file"})
		}
	}
	for _, def := range s.RunningDefs() {
		if !known[key(def.Name)] {
			out = append(out, Listing{Def: def, Running: true, Source: "runtime"})
		}
	}
	return out, loadErr
}

// Shutdown cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for k, h := range s.handles {
		h.cancel()
		delete(s.handles, k)
	}
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}
