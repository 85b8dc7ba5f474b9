// Command vailix-client-demo exercises the SDK lifecycle end to end
// against a running vailix-server: create the singleton engine, print
// its display name, run a matching pass, and submit a report. It logs
// no scans, so the matching pass only reports matches for contacts
// already in the local store.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vailix-dev/vailix/matcher"
	"github.com/vailix-dev/vailix/sdk"
)

func main() {
	reportURL := envOr("VAILIX_REPORT_URL", "http://localhost:8443")
	downloadURL := envOr("VAILIX_DOWNLOAD_URL", reportURL)
	appSecret := os.Getenv("APP_SECRET")

	cfg, err := sdk.New(reportURL, downloadURL, appSecret,
		sdk.WithStoreDir(envOr("VAILIX_STORE_DIR", ".")),
		sdk.WithRPIDuration(15*time.Minute),
	)
	if err != nil {
		fatal("building config: %v", err)
	}

	engine, err := sdk.Create(cfg)
	if err != nil {
		fatal("creating engine: %v", err)
	}
	defer sdk.Destroy()

	unregister := engine.OnMatch(func(m matcher.Match) {
		fmt.Printf("match: %+v\n", m)
	})
	defer unregister()

	rpi := engine.DisplayName()
	fmt.Printf("this device: %s\n", rpi)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	engine.FetchAndMatch(ctx)

	ok, err := engine.Report(ctx, map[string]any{"symptomOnsetDaysAgo": 2})
	if err != nil {
		fatal("reporting: %v", err)
	}
	fmt.Printf("report submitted: %v\n", ok)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
