package coordinator

import (
	"context"
	"errors"
	"testing"
)

func TestMigrationAppliesInOrder(t *testing.T) {
	var order []string
	m := &Migration{
		Name: "test",
		Steps: []Step{
			{Name: "one", Apply: func(ctx context.Context) error {
				order = append(order, "one")
				return nil
			}},
			{Name: "two", Apply: func(ctx context.Context) error {
				order = append(order, "two")
				return nil
			}},
			{Name: "three", Apply: func(ctx context.Context) error {
				order = append(order, "three")
				return nil
			}},
		},
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(order) != 3 || order[0] != "one" || order[2] != "three" {
		t.Errorf("Steps applied out of order: %v", order)
	}
}

func TestMigrationRollsBackInReverse(t *testing.T) {
	var trace []string
	boom := errors.New("step exploded")

	step := func(name string) Step {
		return Step{
			Name: name,
			Apply: func(ctx context.Context) error {
				trace = append(trace, "apply-"+name)
				return nil
			},
			Rollback: func(ctx context.Context) error {
				trace = append(trace, "rollback-"+name)
				return nil
			},
		}
	}

	m := &Migration{
		Name: "test",
		Steps: []Step{
			step("one"),
			step("two"),
			{Name: "three", Apply: func(ctx context.Context) error {
				return boom
			}, Rollback: func(ctx context.Context) error {
				trace = append(trace, "rollback-three")
				return nil
			}},
		},
	}

	err := m.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Expected step error, got %v", err)
	}

	want := []string{"apply-one", "apply-two", "rollback-two", "rollback-one"}
	if len(trace) != len(want) {
		t.Fatalf("Trace %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("Trace %v, want %v", trace, want)
		}
	}
}

func TestMigrationRollbackFailureDoesNotMaskError(t *testing.T) {
	boom := errors.New("apply failed")
	m := &Migration{
		Name: "test",
		Steps: []Step{
			{
				Name:     "one",
				Apply:    func(ctx context.Context) error { return nil },
				Rollback: func(ctx context.Context) error { return errors.New("rollback also failed") },
			},
			{Name: "two", Apply: func(ctx context.Context) error { return boom }},
		},
	}

	if err := m.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Expected original apply error, got %v", err)
	}
}

func TestMigrationStepsWithoutRollback(t *testing.T) {
	rolled := false
	m := &Migration{
		Name: "test",
		Steps: []Step{
			{Name: "no-rollback", Apply: func(ctx context.Context) error { return nil }},
			{
				Name:     "with-rollback",
				Apply:    func(ctx context.Context) error { return nil },
				Rollback: func(ctx context.Context) error { rolled = true; return nil },
			},
			{Name: "fails", Apply: func(ctx context.Context) error { return errors.New("nope") }},
		},
	}

	if err := m.Run(context.Background()); err == nil {
		t.Fatal("Expected error")
	}
	if !rolled {
		t.Error("Step with rollback was not rolled back")
	}
}

func TestMigrationRollsBackUnderCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	rolled := false
	m := &Migration{
		Name: "test",
		Steps: []Step{
			{
				Name:     "one",
				Apply:    func(ctx context.Context) error { return nil },
				Rollback: func(ctx context.Context) error {
					if ctx.Err() != nil {
						t.Error("Rollback received a dead context")
					}
					rolled = true
					return nil
				},
			},
			{Name: "two", Apply: func(ctx context.Context) error {
				cancel()
				return ctx.Err()
			}},
		},
	}

	if err := m.Run(ctx); err == nil {
		t.Fatal("Expected error")
	}
	if !rolled {
		t.Error("Rollback did not run after context cancellation")
	}
}
