// geoattestd - location attestation service
//
// geoattestd accepts clock-in, clock-out and location update attempts over
// HTTP, runs every fraud check against them and answers with ALLOW, FLAG or
// BLOCK. Flagged and blocked attempts are written to a tamper-evident
// violation ledger for supervisor review.
//
//	geoattestd [-config path]       Run the service
//	geoattestd -check-config        Validate the configuration and exit
//	geoattestd -version             Print the version
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"geoattest/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath  = flag.String("config", "", "path to config file (default: $GEOATTEST_CONFIG or ~/.geoattest/config.toml)")
	checkConfig = flag.Bool("check-config", false, "validate the configuration and exit")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("geoattestd %s\n", Version)
		return
	}

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config %s: %v\n", path, err)
		os.Exit(1)
	}

	if *checkConfig {
		fmt.Printf("Configuration OK: %s\n", path)
		return
	}

	daemon := NewDaemon(Version, loader)
	if err := daemon.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start geoattestd: %v\n", err)
		daemon.Stop("startup failed")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		daemon.Stop("signal: " + sig.String())
	case err := <-daemon.Done():
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			daemon.Stop("server error")
			os.Exit(1)
		}
		daemon.Stop("server closed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `geoattestd - Location attestation service

Usage: geoattestd [options]

Options:
  -config <path>   Path to config file (toml, json or yaml)
  -check-config    Validate the configuration and exit
  -version         Print version and exit

Environment:
  GEOATTEST_CONFIG, GEOATTEST_LISTEN_ADDR, GEOATTEST_DB_PATH,
  GEOATTEST_LEDGER_SECRET, GEOATTEST_MATCHER_URL, GEOATTEST_REDIS_ADDR,
  GEOATTEST_KAFKA_BROKERS and friends override the file.

Use geoattestctl to review violations and verify the ledger.`)
}
