package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"geoattest/internal/biometric"
	"geoattest/internal/checks"
	"geoattest/internal/config"
	"geoattest/internal/security"
	"geoattest/internal/store"
	"geoattest/internal/tui"
)

func cmdViolations(args []string) error {
	fs := flag.NewFlagSet("violations", flag.ExitOnError)
	subject := fs.String("subject", "", "only this subject")
	vtype := fs.String("type", "", "only this violation type, e.g. MOCK_LOCATION")
	action := fs.String("action", "", "only FLAGGED or BLOCKED")
	resolved := fs.Bool("resolved", false, "only resolved records")
	unresolved := fs.Bool("unresolved", false, "only unresolved records")
	since := fs.String("since", "", "created at or after (RFC3339 or duration like 24h)")
	until := fs.String("until", "", "created before (RFC3339)")
	limit := fs.Int("limit", 50, "maximum records")
	offset := fs.Int("offset", 0, "records to skip")
	format, verb := outputFlags(fs)
	fs.Parse(splitArgs(args))

	if *resolved && *unresolved {
		return errors.New("-resolved and -unresolved are mutually exclusive")
	}

	f := store.ViolationFilter{
		SubjectID: *subject,
		Type:      checks.ViolationType(strings.ToUpper(*vtype)),
		Action:    store.ActionTaken(strings.ToUpper(*action)),
		Limit:     *limit,
		Offset:    *offset,
	}
	if f.Action != "" && !f.Action.Valid() {
		return fmt.Errorf("unknown action: %s", *action)
	}
	if *resolved || *unresolved {
		v := *resolved
		f.Resolved = &v
	}
	var err error
	if f.Since, err = parseSince(*since, time.Now()); err != nil {
		return err
	}
	if *until != "" {
		if f.Until, err = time.Parse(time.RFC3339, *until); err != nil {
			return fmt.Errorf("invalid -until: %w", err)
		}
	}

	gen, err := generator(*format, *verb)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := commandContext()
	defer cancel()

	recs, err := st.ListViolations(ctx, f)
	if err != nil {
		return err
	}
	return gen.Violations(recs, os.Stdout)
}

// parseSince accepts RFC3339 or a duration back from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -since %q: want RFC3339 or a duration", v)
	}
	return t, nil
}

func cmdShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	format, verb := outputFlags(fs)
	fs.Parse(splitArgs(args))

	if fs.NArg() < 1 {
		return errors.New("usage: geoattestctl show <id> [-format text|json|markdown]")
	}
	gen, err := generator(*format, *verb)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := commandContext()
	defer cancel()

	rec, err := st.GetViolation(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return gen.Violation(rec, os.Stdout)
}

func cmdResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	by := fs.String("by", defaultResolver(), "resolver identity")
	notes := fs.String("notes", "", "resolution notes")
	fs.Parse(splitArgs(args))

	if fs.NArg() < 1 {
		return errors.New("usage: geoattestctl resolve <id> [-by name] [-notes text]")
	}
	id := fs.Arg(0)
	if err := security.ValidateIdentifier("resolver_id", *by); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := commandContext()
	defer cancel()

	rec, err := st.ResolveViolation(ctx, id, *by, *notes, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("Resolved %s (%s, %s) by %s at %s\n",
		rec.ID, rec.SubjectID, rec.Type, rec.Resolution.ResolverID,
		rec.Resolution.ResolvedAt.UTC().Format(time.RFC3339))
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "number of entries")
	format, verb := outputFlags(fs)
	fs.Parse(splitArgs(args))

	if fs.NArg() < 1 {
		return errors.New("usage: geoattestctl history <subject> [-limit N]")
	}
	subject := fs.Arg(0)

	gen, err := generator(*format, *verb)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	var history checks.HistoryReader
	if cfg.Storage.HistoryBackend == config.BackendDynamoDB {
		dyn, err := store.OpenDynamoHistory(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Table, cfg.DynamoDB.TTL())
		if err != nil {
			return err
		}
		history = dyn
	} else {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		history = st
	}

	entries, err := history.RecentHistory(ctx, subject, *limit)
	if err != nil {
		return err
	}
	return gen.History(subject, entries, os.Stdout)
}

func cmdVerifyLedger(args []string) error {
	fs := flag.NewFlagSet("verify-ledger", flag.ExitOnError)
	format, verb := outputFlags(fs)
	fs.Parse(splitArgs(args))

	gen, err := generator(*format, *verb)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := commandContext()
	defer cancel()

	status, err := st.VerifyLedger(ctx)
	if err != nil {
		fmt.Println("Ledger:      COMPROMISED")
		return err
	}
	return gen.Ledger(status, os.Stdout)
}

func cmdStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	format, verb := outputFlags(fs)
	fs.Parse(splitArgs(args))

	gen, err := generator(*format, *verb)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := commandContext()
	defer cancel()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	return gen.Stats(stats, os.Stdout)
}

func cmdMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	force := fs.Bool("force", false, "allow rolling back a schema")
	fs.Parse(splitArgs(args))

	action := "status"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.OpenDatabase(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	switch action {
	case "status":
	case "up":
		if err := store.MigrateDB(db); err != nil {
			return err
		}
		if err := store.ValidateSchema(db); err != nil {
			return err
		}
	case "down":
		if !*force {
			return errors.New("rolling back drops tables and ledger records; pass -force to continue")
		}
		if err := store.RollbackMigration(db); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown migrate action: %s", action)
	}

	status, err := store.GetMigrationStatus(db)
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d (latest %d)\n", status.CurrentVersion, status.LatestVersion)
	for _, m := range status.Applied {
		fmt.Printf("  applied  v%d  %s  %s\n", m.Version, m.AppliedAt.UTC().Format(time.RFC3339), m.Description)
	}
	for _, m := range status.Pending {
		fmt.Printf("  pending  v%d  %s\n", m.Version, m.Description)
	}
	return nil
}

func cmdReview(args []string) error {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	by := fs.String("by", defaultResolver(), "resolver identity")
	fs.Parse(splitArgs(args))

	if err := security.ValidateIdentifier("resolver_id", *by); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	return tui.Run(st, *by)
}

func cmdToken(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: geoattestctl token set|clear|status")
	}
	switch args[0] {
	case "set":
		token := ""
		if len(args) > 1 {
			token = args[1]
		} else {
			fmt.Fprint(os.Stderr, "Matcher token: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read token: %w", err)
			}
			token = strings.TrimSpace(line)
		}
		if token == "" {
			return errors.New("empty token")
		}
		if err := biometric.SaveToken(token); err != nil {
			return err
		}
		fmt.Println("Matcher token stored in the OS keychain.")
	case "clear":
		if err := biometric.DeleteToken(); err != nil {
			return err
		}
		fmt.Println("Matcher token removed.")
	case "status":
		if biometric.HasToken() {
			fmt.Println("Matcher token: present in keychain")
		} else {
			fmt.Println("Matcher token: not in keychain")
		}
	default:
		return fmt.Errorf("unknown token action: %s", args[0])
	}
	return nil
}

func cmdKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing secret")
	fs.Parse(splitArgs(args))

	path := fs.Arg(0)
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Storage.LedgerSecretFile
	}
	if path == "" {
		return errors.New("no path given and storage.ledger_secret_file is not set")
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s exists; a new secret invalidates every existing ledger record (use -force)", path)
	}
	return writeSecret(path)
}

func writeSecret(path string) error {
	secret, err := security.GenerateSecret(security.DefaultSecretSize)
	if err != nil {
		return err
	}
	if err := security.WriteSecretFile(path, secret); err != nil {
		return err
	}
	fmt.Printf("Ledger secret written to %s\n", path)
	return nil
}

func cmdInit() error {
	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Config written to %s\n", path)
	} else {
		fmt.Printf("Config exists at %s\n", path)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	if cfg.Storage.LedgerSecret == "" && cfg.Storage.LedgerSecretFile != "" {
		if _, err := os.Stat(cfg.Storage.LedgerSecretFile); os.IsNotExist(err) {
			return writeSecret(cfg.Storage.LedgerSecretFile)
		}
		fmt.Printf("Ledger secret exists at %s\n", cfg.Storage.LedgerSecretFile)
	}
	return nil
}
