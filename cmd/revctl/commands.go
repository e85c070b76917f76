package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/minetest/contentdb-sub001/migration"
	"github.com/minetest/contentdb-sub001/search"
)

// newFlagSet creates a command's flag set with a usage text.
func newFlagSet(name, synopsis, help string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: revctl %s %s\n\n%s\n\nOptions:\n", name, synopsis, help)
		fs.PrintDefaults()
	}
	return fs
}

// withRuntime opens the runtime, runs fn under a context cancelled by
// SIGINT or SIGTERM, and closes the runtime.
func withRuntime(o *options, fn func(ctx context.Context, rt *runtime) error) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, rt.Close(ctx))
	}()
	return fn(ctx, rt)
}

func display(id string) string {
	if id == "" {
		return "base"
	}
	return id
}

func runCurrent(args []string) error {
	fs := newFlagSet("current", "[options]", "Show the applied revision, pending revisions and the lock holder.")
	o := addOptions(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withRuntime(o, func(ctx context.Context, rt *runtime) error {
		st, err := rt.engine.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "current: %s\n", display(st.Current))
		if st.UpdatedAt != "" {
			fmt.Fprintf(stdout, "updated: %s\n", st.UpdatedAt)
		}
		fmt.Fprintf(stdout, "heads:   %s\n", strings.Join(st.Heads, ", "))
		if st.Pending >= 0 {
			fmt.Fprintf(stdout, "pending: %d\n", st.Pending)
		}
		if st.LockToken != "" {
			fmt.Fprintf(stdout, "locked:  %s since %s\n", st.LockToken, st.LockedAt)
		}
		return nil
	})
}

func runHistory(args []string) error {
	fs := newFlagSet("history", "[options]", "List revisions from the root to the heads.")
	o := addOptions(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := o.load()
	if err != nil {
		return err
	}
	g, err := loadGraph(cfg)
	if err != nil {
		return err
	}
	heads := map[string]bool{}
	for _, h := range g.Heads() {
		heads[h.RevisionID()] = true
	}
	for _, def := range g.History() {
		line := fmt.Sprintf("%s -> %s", display(def.ParentID()), def.RevisionID())
		if heads[def.RevisionID()] {
			line += " (head)"
		}
		if r, ok := def.(*migration.Revision); ok && r.Message != "" {
			line += "  " + r.Message
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

func runHeads(args []string) error {
	fs := newFlagSet("heads", "[options]", "List head revisions. More than one head means the history has diverged.")
	o := addOptions(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := o.load()
	if err != nil {
		return err
	}
	g, err := loadGraph(cfg)
	if err != nil {
		return err
	}
	for _, h := range g.Heads() {
		fmt.Fprintln(stdout, h.RevisionID())
	}
	return nil
}

// targetArg returns the single optional positional argument.
func targetArg(fs *flag.FlagSet, def string) (string, error) {
	switch fs.NArg() {
	case 0:
		if def == "" {
			fs.Usage()
			return "", errors.New("target revision required")
		}
		return def, nil
	case 1:
		return fs.Arg(0), nil
	}
	fs.Usage()
	return "", fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args()[1:], " "))
}

func runPlan(args []string) error {
	fs := newFlagSet("plan", "[options] [target]", "Show the revisions and operations needed to reach target (default head) without running them.")
	o := addOptions(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := targetArg(fs, migration.RefHead)
	if err != nil {
		return err
	}
	return withRuntime(o, func(ctx context.Context, rt *runtime) error {
		p, err := rt.engine.Plan(ctx, target)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, p.String())
		return nil
	})
}

func runUpgrade(args []string) error {
	fs := newFlagSet("upgrade", "[options] [target]", "Apply revisions up to target (default head).")
	o := addOptions(fs)
	dryRun := fs.Bool("dry-run", false, "Print the plan without running it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := targetArg(fs, migration.RefHead)
	if err != nil {
		return err
	}
	return migrate(o, target, *dryRun, migration.Forward)
}

func runDowngrade(args []string) error {
	fs := newFlagSet("downgrade", "[options] <target>", `Revert revisions down to target. Use "base" to revert everything.`)
	o := addOptions(fs)
	dryRun := fs.Bool("dry-run", false, "Print the plan without running it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := targetArg(fs, "")
	if err != nil {
		return err
	}
	return migrate(o, target, *dryRun, migration.Backward)
}

func migrate(o *options, target string, dryRun bool, d migration.Direction) error {
	return withRuntime(o, func(ctx context.Context, rt *runtime) error {
		if dryRun {
			p, err := rt.engine.Plan(ctx, target)
			if err != nil {
				return err
			}
			if !p.Empty() && p.Direction() != d {
				return fmt.Errorf("plan to %s moves %s: %w", display(p.To), p.Direction(), migration.ErrWrongDirection)
			}
			rt.logger.Debug("dry run, nothing applied", "target", target)
			fmt.Fprint(stdout, p.String())
			return nil
		}

		start := time.Now()
		var (
			p   *migration.Plan
			err error
		)
		if d == migration.Backward {
			p, err = rt.engine.Downgrade(ctx, target)
		} else {
			p, err = rt.engine.Upgrade(ctx, target)
		}
		if err != nil {
			return err
		}
		if p.Empty() {
			fmt.Fprintf(stdout, "already at %s\n", display(p.To))
			return nil
		}
		fmt.Fprintf(stdout, "%s -> %s: %d revision(s) in %s\n", display(p.From), display(p.To), len(p.Steps), time.Since(start).Round(time.Millisecond))
		return nil
	})
}

func runStamp(args []string) error {
	fs := newFlagSet("stamp", "[options] <revision>", "Record revision as applied without running any operation.")
	o := addOptions(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := targetArg(fs, "")
	if err != nil {
		return err
	}
	return withRuntime(o, func(ctx context.Context, rt *runtime) error {
		if err := rt.engine.Stamp(ctx, ref); err != nil {
			return err
		}
		id, err := rt.engine.Current(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "stamped %s\n", display(id))
		return nil
	})
}

func runUnlock(args []string) error {
	fs := newFlagSet("unlock", "[options]", "Clear the applied-state lock left by a run that died holding it.")
	o := addOptions(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withRuntime(o, func(ctx context.Context, rt *runtime) error {
		st, err := rt.engine.Unlock(ctx)
		if err != nil {
			return err
		}
		if st.LockToken == "" {
			fmt.Fprintln(stdout, "not locked")
			return nil
		}
		fmt.Fprintf(stdout, "cleared lock held by %s since %s\n", st.LockToken, st.LockedAt)
		return nil
	})
}

func runSyncSearch(args []string) error {
	fs := newFlagSet("sync-search", "[options] <column:weight>...", "Regenerate a table's search document from the listed columns, e.g. name:A title:B short_desc:C.")
	o := addOptions(fs)
	table := fs.String("table", "", "Table holding the document (required)")
	column := fs.String("column", search.DefaultColumn, "Column holding the document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *table == "" || fs.NArg() == 0 {
		fs.Usage()
		return errors.New("--table and at least one column:weight field are required")
	}
	fields, err := search.ParseFields(fs.Args())
	if err != nil {
		return err
	}
	spec := search.Spec{Table: *table, Column: *column, Fields: fields}
	if err := spec.Validate(); err != nil {
		return err
	}
	return withRuntime(o, func(ctx context.Context, rt *runtime) error {
		if err := rt.engine.SyncSearch(ctx, spec); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "synced %s.%s from %d column(s)\n", spec.Table, spec.VectorColumn(), len(spec.Fields))
		return nil
	})
}

func runSearchDoc(args []string) error {
	fs := newFlagSet("search-doc", "<column:weight=value>...", "Print the search document SQLite stores for the given field values.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("at least one column:weight=value argument is required")
	}
	pairs := make([]string, fs.NArg())
	row := make(map[string]string, fs.NArg())
	for i, arg := range fs.Args() {
		field, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("argument %q: expected column:weight=value", arg)
		}
		pairs[i] = field
		col, _, _ := strings.Cut(field, ":")
		row[strings.TrimSpace(col)] = value
	}
	fields, err := search.ParseFields(pairs)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, search.Document(fields, row))
	return nil
}

func runGenerate(args []string) error {
	fs := newFlagSet("generate", "[options] --to new.sql -m message", "Write a revision that moves the schema in --from to the one in --to. The new revision's parent is the current head.")
	o := addOptions(fs)
	from := fs.String("from", "", "DDL file with the current schema (empty for an initial revision)")
	to := fs.String("to", "", "DDL file with the desired schema (required)")
	message := fs.String("m", "", "Revision message (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" || *message == "" {
		fs.Usage()
		return errors.New("--to and -m are required")
	}
	cfg, err := o.load()
	if err != nil {
		return err
	}

	var oldDDL []byte
	if *from != "" {
		if oldDDL, err = os.ReadFile(*from); err != nil {
			return fmt.Errorf("read --from: %w", err)
		}
	}
	newDDL, err := os.ReadFile(*to)
	if err != nil {
		return fmt.Errorf("read --to: %w", err)
	}
	up, down := migration.DiffSchemas(string(oldDDL), string(newDDL))
	if len(up) == 0 {
		return errors.New("no schema changes between --from and --to")
	}

	if err := os.MkdirAll(cfg.Revisions, 0o755); err != nil {
		return err
	}
	defs, err := migration.LoadDir(os.DirFS(cfg.Revisions))
	if err != nil {
		return err
	}
	parent := ""
	if len(defs) > 0 {
		g, err := migration.Build(defs...)
		if err != nil {
			return err
		}
		head, err := g.Head()
		if err != nil {
			return err
		}
		parent = head.RevisionID()
	}

	r := &migration.Revision{
		ID:        migration.NewRevisionID(),
		Parent:    parent,
		Message:   *message,
		Created:   time.Now().UTC().Truncate(time.Second),
		Upgrade:   up,
		Downgrade: down,
	}
	if _, err := migration.Build(append(defs, r)...); err != nil {
		return err
	}
	path, err := migration.WriteRevision(cfg.Revisions, r)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s (%d upgrade operation(s), parent %s)\n", path, len(up), display(parent))
	return nil
}

func runSchema(args []string) error {
	fs := newFlagSet("schema", "[options]", "Print the store's tables, columns, constraints, indexes, triggers and enumerated types.")
	o := addOptions(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withRuntime(o, func(ctx context.Context, rt *runtime) error {
		snap, err := rt.backend.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, snap.String())
		return nil
	})
}
