// Command introspectctl is the operator CLI for introspectd, in the
// teacher's cmd/tarsy idiom: a single binary with subcommands that
// inspect the filesystem artifacts and admin HTTP surface spec.md §6
// defines as the system's only externally visible state — it never
// talks to the running daemon's in-process ChemBus directly.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/kloros-systems/introspectd/pkg/config"
	"github.com/kloros-systems/introspectd/pkg/intent"
	"github.com/kloros-systems/introspectd/pkg/memory"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "introspectctl: %v\n", err)
		os.Exit(1)
	}

	var cmdErr error
	switch args[0] {
	case "intents":
		cmdErr = listIntents(cfg)
	case "investigations":
		cmdErr = tailJSONL(cfg.Paths.InvestigationsLog, tailCount(args[1:]))
	case "processed":
		cmdErr = tailJSONL(cfg.Paths.ProcessedQuestionsLog, tailCount(args[1:]))
	case "dead-letters":
		cmdErr = tailJSONL(cfg.Paths.DeadLetterLog, tailCount(args[1:]))
	case "health":
		cmdErr = showHealth(cfg.Admin.ListenAddr)
	case "consistency-check":
		cmdErr = runConsistencyCheck(ctx, cfg)
	case "brake-status":
		cmdErr = showBrakeStatus(cfg.Paths.EmergencyBrakeFile)
	default:
		usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "introspectctl: %v\n", cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: introspectctl [-config-dir DIR] <command> [args]

commands:
  intents                    list pending (unconsumed) intent files
  investigations [N]         show the last N investigation records (default 20)
  processed [N]              show the last N processed-question markers (default 20)
  dead-letters [N]           show the last N undeliverable-signal entries (default 20)
  health                     query the running daemon's /health endpoint
  consistency-check          run a memory store consistency check now
  brake-status               report whether the emergency-brake flag file exists`)
}

func tailCount(rest []string) int {
	if len(rest) == 0 {
		return 20
	}
	n, err := strconv.Atoi(rest[0])
	if err != nil || n <= 0 {
		return 20
	}
	return n
}

func listIntents(cfg *config.Config) error {
	store, err := intent.NewStore(cfg.Paths.IntentsDir, 0)
	if err != nil {
		return fmt.Errorf("open intent store: %w", err)
	}
	paths, err := store.List()
	if err != nil {
		return fmt.Errorf("list intents: %w", err)
	}
	if len(paths) == 0 {
		fmt.Println("no pending intents")
		return nil
	}
	for _, p := range paths {
		in, err := store.Load(p)
		if err != nil {
			fmt.Printf("%s\tUNREADABLE: %v\n", p, err)
			continue
		}
		fmt.Printf("%s\tkind=%s\tpriority=%s\treason=%s\n", p, in.Kind, in.Priority, in.Reason)
	}
	return nil
}

// tailJSONL prints the last n lines of path, a plain sequential file
// read since these logs are small operator-inspection artifacts, not a
// throughput path.
func tailJSONL(path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("(log file does not exist yet)")
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func showHealth(adminAddr string) error {
	url := "http://localhost" + adminAddr + "/health"
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runConsistencyCheck(ctx context.Context, cfg *config.Config) error {
	store, err := memory.New(ctx, cfg.Memory, nil)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	report, err := store.ConsistencyCheck(ctx)
	if err != nil {
		return fmt.Errorf("run consistency check: %w", err)
	}

	fmt.Printf("scanned=%d orphaned_metadata=%d missing_timestamps=%d invalid_event_types=%d violations=%d\n",
		report.Scanned, report.OrphanedMetadata, report.MissingTimestamps, report.InvalidEventTypes, report.Violations())
	return nil
}

func showBrakeStatus(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("EMERGENCY BRAKE ENGAGED: %s exists, cognitive actions are suppressed\n", path)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	fmt.Println("emergency brake not engaged")
	return nil
}
