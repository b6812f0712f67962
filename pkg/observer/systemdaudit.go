package observer

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

var systemServicePatterns = []string{
	"systemd-", "getty@", "serial-getty@", "console-", "emergency", "rescue",
	"multi-user", "graphical", "reboot", "poweroff", "halt", "kexec",
	"ctrl-alt-del", "syslog", "dbus-", "udev", "plymouth", "display-manager",
	"autovt@", "container-", "user@", "debug-",
}

// SystemdAuditSource runs an immediate audit on startup and then one
// every Interval via cron, emitting a systemd_disabled Event per
// not-yet-audited disabled service or timer, throttled to 1/sec.
type SystemdAuditSource struct {
	Interval time.Duration

	mu      sync.Mutex
	audited map[string]bool
}

// NewSystemdAuditSource builds a SystemdAuditSource with the given
// recurring audit interval (default 24h if zero).
func NewSystemdAuditSource(interval time.Duration) *SystemdAuditSource {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &SystemdAuditSource{
		Interval: interval,
		audited:  make(map[string]bool),
	}
}

func (s *SystemdAuditSource) Name() string { return "systemd_audit" }

// Run performs an audit immediately, then schedules recurring audits via
// cron.Schedule(cron.Every(Interval)) until ctx is cancelled.
func (s *SystemdAuditSource) Run(ctx context.Context, out chan<- model.Event) error {
	limiter := rate.NewLimiter(rate.Limit(1), 1)

	c := cron.New()
	c.Schedule(cron.Every(s.Interval), cron.FuncJob(func() {
		s.auditOnce(ctx, out, limiter)
	}))

	s.auditOnce(ctx, out, limiter)

	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return nil
}

func (s *SystemdAuditSource) auditOnce(ctx context.Context, out chan<- model.Event, limiter *rate.Limiter) {
	disabled, err := listDisabledUnits()
	if err != nil {
		slog.Warn("systemd audit error", "error", err)
		return
	}

	s.mu.Lock()
	var fresh []disabledUnit
	for _, u := range disabled {
		if s.audited[u.name] {
			continue
		}
		s.audited[u.name] = true
		fresh = append(fresh, u)
	}
	s.mu.Unlock()

	for _, u := range fresh {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		ev := model.Event{
			Source: "systemd_audit",
			Kind:   model.EventKindSystemdDisabled,
			Unit:   u.name,
			Facts:  map[string]any{"unit_type": unitType(u), "state": "disabled"},
			Timestamp: time.Now(),
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

type disabledUnit struct {
	name     string
	kindName string
}

func unitType(u disabledUnit) string { return u.kindName }

func listDisabledUnits() ([]disabledUnit, error) {
	var units []disabledUnit

	for _, t := range []string{"service", "timer"} {
		out, err := exec.Command("systemctl", "list-unit-files", "--type="+t, "--state=disabled", "--no-pager", "--no-legend").Output()
		if err != nil {
			slog.Warn("failed to list systemd units", "type", t, "error", err)
			continue
		}
		scanner := bufio.NewScanner(strings.NewReader(string(out)))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 2 {
				continue
			}
			name := fields[0]
			if isSystemService(name) {
				continue
			}
			units = append(units, disabledUnit{name: name, kindName: t})
		}
	}
	return units, nil
}

// isSystemService ports _is_system_service's exact pattern list.
func isSystemService(unit string) bool {
	lower := strings.ToLower(unit)
	for _, p := range systemServicePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
