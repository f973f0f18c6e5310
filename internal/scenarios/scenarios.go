package scenarios

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/goliatone/go-identity-map/identitymap"
	"golang.org/x/sync/errgroup"
)

// ErrMismatch marks a scenario whose observed state differs from the
// expected one.
var ErrMismatch = errors.New("scenario mismatch")

// Scenario is a self-contained check against a Database whose storage holds
// the scenario tables.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, db *identitymap.Database) error
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string
	Duration time.Duration
	Err      error
}

var registry = []Scenario{
	{
		Name:        "nested-create",
		Description: "create an account whose name is created inside its initializer",
		Run:         nestedCreate,
	},
	{
		Name:        "text-key-reference",
		Description: "text keyed row referencing a long keyed row",
		Run:         textKeyReference,
	},
	{
		Name:        "delete-commit",
		Description: "a committed delete is absent from open and later transactions",
		Run:         deleteCommit,
	},
}

// List returns the registered scenarios.
func List() []Scenario {
	return slices.Clone(registry)
}

// Run executes the named scenarios, or all of them when none are named,
// with at most parallel running at once. Every scenario gets a Result; the
// returned error only reports unknown names.
func Run(ctx context.Context, db *identitymap.Database, parallel int, only ...string) ([]Result, error) {
	selected := registry
	if len(only) > 0 {
		selected = nil
		for _, name := range only {
			i := slices.IndexFunc(registry, func(s Scenario) bool { return s.Name == name })
			if i < 0 {
				return nil, fmt.Errorf("unknown scenario %q", name)
			}
			selected = append(selected, registry[i])
		}
	}

	results := make([]Result, len(selected))
	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, s := range selected {
		g.Go(func() error {
			start := time.Now()
			err := s.Run(ctx, db)
			results[i] = Result{Name: s.Name, Duration: time.Since(start), Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func nestedCreate(ctx context.Context, db *identitymap.Database) error {
	var accountID any
	err := db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
		account, err := tx.New(ctx, Accounts, func(a *identitymap.Entity) error {
			name, err := tx.New(ctx, Names, func(n *identitymap.Entity) error {
				if err := n.Set("first", "first"); err != nil {
					return err
				}
				return n.Set("second", "second")
			})
			if err != nil {
				return err
			}
			return a.SetRef("name", name)
		})
		if err != nil {
			return err
		}
		accountID = account.ID()
		return nil
	})
	if err != nil {
		return err
	}

	return db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
		account, found, err := tx.FindByID(ctx, Accounts, accountID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: account %v not found", ErrMismatch, accountID)
		}
		name, err := account.Ref(ctx, "name")
		if err != nil {
			return err
		}
		for _, col := range []string{"first", "second"} {
			if got := name.Get(col); got != col {
				return fmt.Errorf("%w: name.%s = %v", ErrMismatch, col, got)
			}
		}
		return nil
	})
}

func textKeyReference(ctx context.Context, db *identitymap.Database) error {
	var id any
	err := db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
		t1, err := tx.New(ctx, Table1, func(e *identitymap.Entity) error {
			return e.Set("label", "table1")
		})
		if err != nil {
			return err
		}
		t2, err := tx.New(ctx, Table2, func(e *identitymap.Entity) error {
			return e.SetRef("table1", t1)
		})
		if err != nil {
			return err
		}
		id = t2.ID()
		return nil
	})
	if err != nil {
		return err
	}

	return db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
		t2, found, err := tx.FindByID(ctx, Table2, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: table2 %v not found", ErrMismatch, id)
		}
		t1, err := t2.Ref(ctx, "table1")
		if err != nil {
			return err
		}
		if got := t1.Get("label"); got != "table1" {
			return fmt.Errorf("%w: table1.label = %v", ErrMismatch, got)
		}
		return nil
	})
}

func deleteCommit(ctx context.Context, db *identitymap.Database) error {
	var id any
	err := db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
		n, err := tx.New(ctx, Names, func(n *identitymap.Entity) error {
			return n.Set("first", "doomed")
		})
		if err != nil {
			return err
		}
		id = n.ID()
		return nil
	})
	if err != nil {
		return err
	}

	// A transaction opened before the delete, holding the entity.
	observer, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if !observer.Status().Terminal() {
			_ = observer.Rollback()
		}
	}()
	if _, found, err := observer.FindByID(ctx, Names, id); err != nil || !found {
		return errors.Join(fmt.Errorf("%w: name %v not loaded by observer", ErrMismatch, id), err)
	}

	// The delete runs on its own goroutine while the observer stays open.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return db.Transaction(gctx, func(ctx context.Context, tx *identitymap.Tx) error {
			n, found, err := tx.FindByID(ctx, Names, id)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: name %v not found before delete", ErrMismatch, id)
			}
			return tx.Delete(n)
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}

	absent := func(ctx context.Context, tx *identitymap.Tx) error {
		_, found, err := tx.FindByID(ctx, Names, id)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: name %v served after committed delete", ErrMismatch, id)
		}
		return nil
	}
	if err := absent(ctx, observer); err != nil {
		return fmt.Errorf("open transaction: %w", err)
	}
	if err := observer.Commit(ctx); err != nil {
		return err
	}
	if err := db.Transaction(ctx, absent); err != nil {
		return err
	}

	// Same check from a transaction driven on another goroutine.
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		return db.Transaction(gctx, absent)
	})
	return g.Wait()
}
