package coordinator

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"
)

// Step is one unit of a migration. Apply performs the step; Rollback is
// its mirror image and must undo whatever Apply changed.
type Step struct {
	Name     string
	Apply    func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// Migration executes an ordered list of steps. When a step fails, every
// previously applied step is rolled back in reverse order, so a half-done
// handoff never leaves the cluster between coordinators.
type Migration struct {
	Name  string
	Steps []Step
}

// Run applies all steps. On failure it rolls back and returns the original
// step error; rollback failures are logged but do not mask it.
func (m *Migration) Run(ctx context.Context) error {
	applied := make([]Step, 0, len(m.Steps))

	for _, step := range m.Steps {
		klog.V(2).InfoS("Applying migration step", "migration", m.Name, "step", step.Name)
		if err := step.Apply(ctx); err != nil {
			klog.ErrorS(err, "Migration step failed, rolling back",
				"migration", m.Name, "step", step.Name, "applied", len(applied))
			m.rollback(ctx, applied)
			return fmt.Errorf("migration %s failed at step %s: %w", m.Name, step.Name, err)
		}
		applied = append(applied, step)
	}

	klog.InfoS("Migration complete", "migration", m.Name, "steps", len(applied))
	return nil
}

// rollback undoes applied steps last-first. Rollback uses a fresh context
// when the original one is already cancelled, because a partial handoff is
// worse than a slow shutdown.
func (m *Migration) rollback(ctx context.Context, applied []Step) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if step.Rollback == nil {
			continue
		}
		if err := step.Rollback(ctx); err != nil {
			klog.ErrorS(err, "Rollback step failed",
				"migration", m.Name, "step", step.Name)
		}
	}
}
