package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSystemServiceFiltersCorePatterns(t *testing.T) {
	cases := []string{
		"systemd-journald.service", "getty@tty1.service", "serial-getty@ttyS0.service",
		"emergency.service", "rescue.service", "multi-user.target", "dbus-org.freedesktop.service",
	}
	for _, name := range cases {
		assert.True(t, isSystemService(name), name)
	}
}

func TestIsSystemServiceAllowsUserUnits(t *testing.T) {
	cases := []string{"kloros.service", "dream.service", "phase-runner.timer", "my-app.service"}
	for _, name := range cases {
		assert.False(t, isSystemService(name), name)
	}
}
