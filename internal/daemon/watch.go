package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RecipesChanged reports recipe files that were written, created, removed
// or renamed since the last report.
type RecipesChanged struct {
	Files []string
}

const watchDebounce = 300 * time.Millisecond

// Watch reports recipe directory changes through emit until ctx is done.
// Bursts of file events are coalesced into one RecipesChanged.
func (r *RecipeDir) Watch(ctx context.Context, emit func(any)) error {
	dir, err := r.Ensure()
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("recipe watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go func() {
		defer w.Close()
		pending := map[string]bool{}
		var flush <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.EqualFold(filepath.Ext(ev.Name), ".md") || ev.Op == fsnotify.Chmod {
					continue
				}
				pending[filepath.Base(ev.Name)] = true
				flush = time.After(watchDebounce)
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-flush:
				files := make([]string, 0, len(pending))
				for f := range pending {
					files = append(files, f)
				}
				sort.Strings(files)
				pending = map[string]bool{}
				flush = nil
				emit(RecipesChanged{Files: files})
			}
		}
	}()
	return nil
}
