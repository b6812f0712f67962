package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

func TestClassifyMessageKernelCritical(t *testing.T) {
	kind := classifyMessage("kernel: BUG: soft lockup detected", "kernel", true, 2)
	assert.Equal(t, model.EventKindErrorKernelCritical, kind)
}

func TestClassifyMessageKernelOperational(t *testing.T) {
	kind := classifyMessage("eth0: link timeout, retrying", "kernel", true, 4)
	assert.Equal(t, model.EventKindErrorKernelOperational, kind)
}

func TestClassifyMessageKernelNonErrorIsIgnored(t *testing.T) {
	kind := classifyMessage("eth0: link up, 1000Mbps", "kernel", true, 6)
	assert.Empty(t, kind)
}

func TestClassifyMessageDreamHeartbeat(t *testing.T) {
	kind := classifyMessage("dream cycle ready", "dream.service", false, 6)
	assert.Equal(t, model.EventKindDreamHeartbeat, kind)
}

func TestClassifyMessageDreamPromotion(t *testing.T) {
	kind := classifyMessage("starting promotion of candidate 7", "dream.service", false, 6)
	assert.Equal(t, model.EventKindDreamPromotion, kind)
}

func TestClassifyMessagePhaseTimeout(t *testing.T) {
	kind := classifyMessage("phase exceeded timeout, aborting", "phase-runner.service", false, 6)
	assert.Equal(t, model.EventKindPhaseTimeout, kind)
}

func TestClassifyMessageGPUOOM(t *testing.T) {
	kind := classifyMessage("CUDA error: out of memory", "vllm.service", false, 6)
	assert.Equal(t, model.EventKindGPUOOM, kind)
}

func TestClassifyMessageLockContention(t *testing.T) {
	kind := classifyMessage("detected lock contention on orchestrator mutex", "kloros.service", false, 6)
	assert.Equal(t, model.EventKindLockContention, kind)
}

func TestClassifyMessageGenericErrorRespectsSeverityGate(t *testing.T) {
	below := classifyMessage("error: disk nearly full", "svc.service", false, 6)
	assert.Empty(t, below, "priority 6 (info) must never classify as an error")

	operational := classifyMessage("error: disk nearly full", "svc.service", false, 3)
	assert.Equal(t, model.EventKindErrorOperational, operational)

	critical := classifyMessage("fatal: disk full, crash imminent", "svc.service", false, 3)
	assert.Equal(t, model.EventKindErrorCritical, critical)
}

func TestClassifyMessageNoMatchReturnsEmpty(t *testing.T) {
	kind := classifyMessage("heartbeat ok", "unrelated.service", false, 6)
	assert.Empty(t, kind)
}
