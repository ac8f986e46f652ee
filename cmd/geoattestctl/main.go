// geoattestctl is the operator CLI for geoattestd.
//
// It works directly on the daemon's SQLite database, so it must run on the
// same host with the same ledger secret.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"geoattest/internal/config"
	"geoattest/internal/report"
	"geoattest/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
	formatFlag = flag.String("format", "text", "output format: text, json, markdown")
	verbose    = flag.Bool("v", false, "verbose output")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "violations":
		err = cmdViolations(args)
	case "show":
		err = cmdShow(args)
	case "resolve":
		err = cmdResolve(args)
	case "history":
		err = cmdHistory(args)
	case "verify-ledger":
		err = cmdVerifyLedger(args)
	case "stats":
		err = cmdStats(args)
	case "migrate":
		err = cmdMigrate(args)
	case "review":
		err = cmdReview(args)
	case "token":
		err = cmdToken(args)
	case "keygen":
		err = cmdKeygen(args)
	case "init":
		err = cmdInit()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, store.ErrIntegrity) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `geoattestctl - Operator utility for geoattestd

Usage: geoattestctl [options] <command> [args]

Commands:
  init                       Write a default config file and ledger secret
  violations [filters]       List violation records
  show <id> [-format fmt]    Show one violation with its check snapshot
  resolve <id> [-by name] [-notes text]
                             Mark a violation as reviewed
  review [-by name]          Interactive review console
  history <subject> [-limit N]
                             Show recent location history
  verify-ledger              Walk the violation ledger hash chain
  stats                      Show database counters
  migrate [status|up|down]   Inspect or change the database schema
  token set|clear|status     Manage the matcher token in the OS keychain
  keygen [path]              Generate a new ledger secret file
  help                       Show this help message

Options:
  -config <path>   Path to config file (default: ~/.geoattest/config.toml)
  -format <fmt>    Output format: text, json, markdown
  -v               Verbose output

Exit status is 3 when the ledger fails verification.`)
}

func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// openStore opens the database. A ledger that fails verification is still
// opened read-only so operators can inspect it; the integrity error is
// printed as a warning.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	key, err := cfg.LedgerKey()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Storage.Path, key)
	if errors.Is(err, store.ErrIntegrity) && st != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// outputFlags registers -format and -v on a subcommand, defaulting to the
// global values.
func outputFlags(fs *flag.FlagSet) (format *string, verb *bool) {
	return fs.String("format", *formatFlag, "output format: text, json, markdown"),
		fs.Bool("v", *verbose, "verbose output")
}

func generator(name string, verb bool) (*report.Generator, error) {
	format, err := report.ParseFormat(name)
	if err != nil {
		return nil, err
	}
	return report.NewGenerator(format).WithVerbose(verb), nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// defaultResolver names the operator for resolutions when -by is not given.
func defaultResolver() string {
	if v := os.Getenv("GEOATTEST_RESOLVER"); v != "" {
		return v
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

// splitArgs moves flags after positional arguments to the front so
// "resolve <id> -notes x" parses like "resolve -notes x <id>".
func splitArgs(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "-") && len(a) > 1 {
			flags = append(flags, a)
			if !strings.Contains(a, "=") && i+1 < len(args) && !isBoolFlag(a) {
				flags = append(flags, args[i+1])
				i++
			}
			continue
		}
		positional = append(positional, a)
	}
	return append(flags, positional...)
}

func isBoolFlag(a string) bool {
	switch strings.TrimLeft(a, "-") {
	case "resolved", "unresolved", "force", "v":
		return true
	}
	return false
}
