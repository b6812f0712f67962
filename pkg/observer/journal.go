package observer

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

var kernelCriticalPatterns = []string{
	"[err]", "oops", "panic", "bug:", "firmware crash", "hardware error",
	"mce:", "segfault", "general protection fault", "fw crash", "ser catches error",
}

var kernelOperationalPatterns = []string{
	"error", "failed", "failure", "timeout", "i/o error", "badaddr", "halt", "warning",
}

var genericErrorKeywords = []string{
	"error:", "exception", "traceback", "failed:", "failure:", "critical:",
	"fatal:", "valueerror", "typeerror", "keyerror", "attributeerror", "indexerror",
}

var criticalSeverityWords = []string{"critical", "fatal", "oom", "crash"}

// journalEntry is the subset of journalctl --output=json fields the
// classifier needs.
type journalEntry struct {
	Message             json.RawMessage `json:"MESSAGE"`
	Priority            string          `json:"PRIORITY"`
	SystemdUnit         string          `json:"_SYSTEMD_UNIT"`
	SyslogIdentifier    string          `json:"SYSLOG_IDENTIFIER"`
	Comm                string          `json:"_COMM"`
	RealtimeTimestampUS string          `json:"__REALTIME_TIMESTAMP"`
}

func (e journalEntry) message() string {
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	var parts []string
	if err := json.Unmarshal(e.Message, &parts); err == nil {
		return strings.Join(parts, "\n")
	}
	return string(e.Message)
}

func (e journalEntry) priority() int {
	p, err := strconv.Atoi(e.Priority)
	if err != nil {
		return 6
	}
	return p
}

func (e journalEntry) timestamp() time.Time {
	us, err := strconv.ParseInt(e.RealtimeTimestampUS, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMicro(us)
}

// JournalSource tails journalctl for the configured units (or the kernel
// transport) and classifies each line into an Event kind.
type JournalSource struct {
	Units       []string
	WatchKernel bool

	breaker *gobreaker.CircuitBreaker
}

// NewJournalSource builds a JournalSource that watches the given units, or
// the kernel transport when units is empty and watchKernel is true.
func NewJournalSource(units []string, watchKernel bool) *JournalSource {
	return &JournalSource{
		Units:       units,
		WatchKernel: watchKernel,
		breaker:     newSourceBreaker("journal"),
	}
}

func (s *JournalSource) Name() string { return "journal" }

// Run tails journalctl until ctx is cancelled, restarting the subprocess
// (through the circuit breaker) whenever the stream ends unexpectedly.
func (s *JournalSource) Run(ctx context.Context, out chan<- model.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, err := s.breaker.Execute(func() (any, error) {
			return nil, s.tailOnce(ctx, out)
		})
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		slog.Warn("journal source tail failed", "error", err, "breaker_state", s.breaker.State().String())
		unit := "kernel"
		if len(s.Units) > 0 {
			unit = s.Units[0]
		}
		select {
		case out <- breakerTrippedEvent("journal", unit, err):
		case <-ctx.Done():
			return nil
		}

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *JournalSource) tailOnce(ctx context.Context, out chan<- model.Event) error {
	args := []string{"--output=json", "--since=now", "-f"}
	if s.WatchKernel {
		args = append([]string{"_TRANSPORT=kernel"}, args...)
	} else {
		for _, u := range s.Units {
			args = append(args, "-u", u)
		}
	}

	cmd := exec.CommandContext(ctx, "journalctl", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	defer cmd.Wait()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("invalid JSON from journalctl", "line", truncate(string(line), 100))
			continue
		}

		unit := entry.SystemdUnit
		if s.WatchKernel {
			unit = entry.SyslogIdentifier
			if unit == "" {
				unit = entry.Comm
			}
			if unit == "" {
				unit = "kernel"
			}
		}

		message := entry.message()
		kind := classifyMessage(message, unit, s.WatchKernel, entry.priority())
		if kind == "" {
			continue
		}

		ev := model.Event{
			Source:    "journal",
			Kind:      kind,
			Unit:      unit,
			Message:   message,
			Priority:  entry.priority(),
			Timestamp: entry.timestamp(),
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}

// classifyMessage ports _classify_message from the original observer,
// plus a dream_heartbeat kind recognized from unit-scoped "ready" log
// lines (the same heartbeat semantics the heartbeat-stall check needs).
func classifyMessage(message, unit string, isKernel bool, priority int) string {
	lower := strings.ToLower(message)
	unitLower := strings.ToLower(unit)

	if isKernel {
		for _, p := range kernelCriticalPatterns {
			if strings.Contains(lower, p) {
				return model.EventKindErrorKernelCritical
			}
		}
		for _, p := range kernelOperationalPatterns {
			if strings.Contains(lower, p) {
				return model.EventKindErrorKernelOperational
			}
		}
		return ""
	}

	if strings.Contains(unitLower, "dream") {
		if strings.Contains(lower, "ready") {
			return model.EventKindDreamHeartbeat
		}
		if strings.Contains(lower, "promotion") {
			return model.EventKindDreamPromotion
		}
		if strings.Contains(lower, "survivor") || strings.Contains(lower, "generation") {
			return model.EventKindDreamGeneration
		}
		if strings.Contains(lower, "failed") || strings.Contains(lower, "error") {
			return model.EventKindDreamError
		}
	}

	if strings.Contains(unitLower, "phase") {
		if strings.Contains(lower, "complete") || strings.Contains(lower, "finished") {
			return model.EventKindPhaseComplete
		}
		if strings.Contains(lower, "timeout") {
			return model.EventKindPhaseTimeout
		}
		if strings.Contains(lower, "failed") {
			return model.EventKindPhaseError
		}
	}

	if strings.Contains(lower, "oom") || strings.Contains(lower, "out of memory") {
		return model.EventKindGPUOOM
	}

	if strings.Contains(lower, "lock") && strings.Contains(lower, "contention") {
		return model.EventKindLockContention
	}

	if priority <= 4 {
		for _, kw := range genericErrorKeywords {
			if strings.Contains(lower, kw) {
				for _, sev := range criticalSeverityWords {
					if strings.Contains(lower, sev) {
						return model.EventKindErrorCritical
					}
				}
				return model.EventKindErrorOperational
			}
		}
	}

	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
