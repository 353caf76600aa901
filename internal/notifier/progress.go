package notifier

import (
	"context"
	"errors"
	"strings"

	kit "taskd/internal/transport"

	"github.com/google/uuid"
)

var ErrUnknownHandle = errors.New("unknown progress handle")

type progressEntry struct {
	ref    kit.MessageRef
	title  string
	taskID string
}

// CreateProgress sends the initial progress message synchronously and
// returns a handle for later edits.
func (s *Service) CreateProgress(ctx context.Context, taskID, title string, meta map[string]any) (string, error) {
	cfg, lim, ad := s.snapshot()
	if !cfg.Enabled || ad == nil {
		return "", ErrDisabled
	}
	if err := lim.Wait(ctx); err != nil {
		return "", err
	}
	text := progressText(title, "starting", meta)
	ref, err := ad.SendText(ctx, cfg.Target, text, &kit.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: true})
	if err != nil {
		return "", err
	}
	handle := uuid.NewString()
	s.pmu.Lock()
	s.progress[handle] = progressEntry{ref: ref, title: title, taskID: taskID}
	s.pmu.Unlock()
	return handle, nil
}

// UpdateProgress edits the progress message in place.
func (s *Service) UpdateProgress(ctx context.Context, handle, message string, meta map[string]any) error {
	e, ok := s.entry(handle, false)
	if !ok {
		return ErrUnknownHandle
	}
	return s.edit(ctx, e.ref, progressText(e.title, message, meta))
}

// FinalizeProgress writes the final state and releases the handle.
func (s *Service) FinalizeProgress(ctx context.Context, handle, level, message string, meta map[string]any) error {
	e, ok := s.entry(handle, true)
	if !ok {
		return ErrUnknownHandle
	}
	return s.edit(ctx, e.ref, levelPrefix(Level(level))+progressText(e.title, message, nil))
}

func (s *Service) entry(handle string, release bool) (progressEntry, bool) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	e, ok := s.progress[handle]
	if ok && release {
		delete(s.progress, handle)
	}
	return e, ok
}

func (s *Service) edit(ctx context.Context, ref kit.MessageRef, text string) error {
	cfg, lim, ad := s.snapshot()
	if ad == nil {
		return ErrDisabled
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	return ad.EditText(ctx, ref, text, &kit.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: true})
}

// OpenProgress is the number of handles not yet finalized.
func (s *Service) OpenProgress() int {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return len(s.progress)
}

func progressText(title, message string, meta map[string]any) string {
	var b strings.Builder
	b.WriteString(title)
	if message != "" {
		b.WriteString("\n")
		b.WriteString(message)
	}
	if pct, ok := meta["percentage"].(float64); ok && pct > 0 {
		b.WriteString("\n")
		b.WriteString(progressBar(pct, 10))
	}
	return b.String()
}

func progressBar(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}
