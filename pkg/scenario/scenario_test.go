package scenario

import (
	"context"
	"sync"
	"testing"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/internal/fakedevice"
	"github.com/OE4T/otaharness/pkg/device"
	"github.com/OE4T/otaharness/pkg/probe"
	"github.com/OE4T/otaharness/pkg/reboot"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu       sync.Mutex
	outcomes []otaharness.TestOutcome
}

func (m *memRecorder) RecordOutcome(_ context.Context, o otaharness.TestOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}

func (m *memRecorder) scenarios() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, o := range m.outcomes {
		out = append(out, o.Scenario)
	}
	return out
}

type harness struct {
	dev    *fakedevice.Device
	runner *Runner
	rec    *memRecorder
}

func newHarness(t *testing.T, slot otaharness.BootSlot, mutate func(*Config)) *harness {
	t.Helper()
	dev := fakedevice.New(slot)
	h := device.NewHandle(dev.Dialer(), "fake-jetson", device.WithRetryInterval(0))
	t.Cleanup(func() { h.Close() })
	cycle := reboot.NewCycle(h, dev.Pinger(), probe.Policy{}, 0)

	cfg := DefaultConfig()
	cfg.Artifact = "/data/tegra-image.mender"
	cfg.Device = "fake-jetson"
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &memRecorder{}
	return &harness{dev: dev, runner: ForDevice(cfg, h, cycle, rec), rec: rec}
}

func requireStepError(t *testing.T, err error, kind error) *StepError {
	t.Helper()
	require.ErrorIs(t, err, kind)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	return stepErr
}

func TestCommittedUpdateSwitchesSlot(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)

	outcome, err := h.runner.CommittedUpdate(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Passed)
	require.Equal(t, otaharness.SlotA, outcome.SlotBefore)
	require.Equal(t, otaharness.SlotB, outcome.SlotAfter)
	require.Equal(t, otaharness.SlotB, h.dev.Slot())
	require.Equal(t, 1, h.dev.Reboots())
	require.Equal(t, 1, h.dev.Commits())
	require.False(t, h.dev.SentinelPresent())
	require.Equal(t, h.runner.RunID(), outcome.RunID)
}

func TestCommittedUpdateFromSlotB(t *testing.T) {
	h := newHarness(t, otaharness.SlotB, nil)
	outcome, err := h.runner.CommittedUpdate(context.Background())
	require.NoError(t, err)
	require.Equal(t, otaharness.SlotA, outcome.SlotAfter)
}

func TestCommitIssuedForEveryBootMethod(t *testing.T) {
	for _, method := range []otaharness.BootMethod{otaharness.BootMethodCBoot, otaharness.BootMethodUBoot} {
		t.Run(string(method), func(t *testing.T) {
			h := newHarness(t, otaharness.SlotA, func(c *Config) { c.BootMethod = method })
			_, err := h.runner.CommittedUpdate(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, h.dev.CommandCount("mender -commit"))
		})
	}
}

func TestFailedCommitDependsOnBootMethod(t *testing.T) {
	t.Run("cboot ignores it", func(t *testing.T) {
		h := newHarness(t, otaharness.SlotA, func(c *Config) { c.BootMethod = otaharness.BootMethodCBoot })
		h.dev.FailCommits = 1

		outcome, err := h.runner.CommittedUpdate(context.Background())
		require.NoError(t, err)
		require.True(t, outcome.Passed)
		require.Equal(t, otaharness.SlotB, outcome.SlotAfter)
		require.False(t, h.dev.SentinelPresent())
	})
	t.Run("uboot fails", func(t *testing.T) {
		h := newHarness(t, otaharness.SlotA, func(c *Config) { c.BootMethod = otaharness.BootMethodUBoot })
		h.dev.FailCommits = 1

		outcome, err := h.runner.CommittedUpdate(context.Background())
		stepErr := requireStepError(t, err, otaharness.ErrConnection)
		require.Equal(t, "commit", stepErr.Step)
		require.False(t, outcome.Passed)
		require.Equal(t, "commit", outcome.Step)
	})
}

func TestCommittedUpdateSlotDidNotChange(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)
	h.dev.IgnoreInstall = true

	_, err := h.runner.CommittedUpdate(context.Background())
	stepErr := requireStepError(t, err, otaharness.ErrSlotDidNotChange)
	require.Equal(t, StateVerifying, stepErr.State)
	require.Equal(t, otaharness.SlotA, stepErr.SlotBefore)
	require.Equal(t, otaharness.SlotA, stepErr.SlotAfter)
	require.Zero(t, h.dev.Commits())
}

func TestInstallFailureStopsBeforeReboot(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)
	h.dev.InstallLog = fakedevice.ErrorLog

	_, err := h.runner.CommittedUpdate(context.Background())
	stepErr := requireStepError(t, err, otaharness.ErrInstallFailed)
	require.Equal(t, "install", stepErr.Step)
	require.Equal(t, StateInstalling, stepErr.State)
	require.Zero(t, h.dev.Reboots())
}

func TestMissingArtifactDoesNoDeviceIO(t *testing.T) {
	for _, name := range []Name{NameUpdate, NameRollback} {
		t.Run(string(name), func(t *testing.T) {
			h := newHarness(t, otaharness.SlotA, func(c *Config) { c.Artifact = "" })
			_, err := h.runner.Run(context.Background(), name)
			require.ErrorIs(t, err, otaharness.ErrConfiguration)
			require.Zero(t, h.dev.Dials())
			require.Empty(t, h.dev.Commands())
		})
	}
}

func TestPartitionMismatchBeforeReboot(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)
	h.dev.MountedOverride = "/dev/mmcblk0p2"

	_, err := h.runner.CommittedUpdate(context.Background())
	stepErr := requireStepError(t, err, otaharness.ErrPartitionMismatch)
	require.Equal(t, "check partition", stepErr.Step)
	require.Zero(t, h.dev.Reboots())
}

func TestRollbackAfterFullBudget(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)

	outcome, err := h.runner.Rollback(context.Background())
	require.NoError(t, err)
	require.True(t, outcome.Passed)
	require.Equal(t, 7, outcome.RetryCount)
	require.Equal(t, otaharness.SlotA, outcome.SlotBefore)
	require.Equal(t, otaharness.SlotA, outcome.SlotAfter)
	require.Equal(t, otaharness.SlotA, h.dev.Slot())
	// One reboot into the update plus seven while waiting for the revert.
	require.Equal(t, 8, h.dev.Reboots())
	require.Zero(t, h.dev.Commits())
	require.False(t, h.dev.SentinelPresent())
}

func TestRollbackDidNotOccur(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)
	h.dev.RollbackAfter = 0

	outcome, err := h.runner.Rollback(context.Background())
	stepErr := requireStepError(t, err, otaharness.ErrRollbackDidNotOccur)
	require.Equal(t, StateRollbackPending, stepErr.State)
	require.False(t, outcome.Passed)
	require.Equal(t, 7, outcome.RetryCount)
	require.Equal(t, otaharness.SlotB, h.dev.Slot())
	require.False(t, h.dev.SentinelPresent(), "sentinel must be removed regardless of outcome")
}

func TestEarlyRollbackNonStrictCountsReboots(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)
	h.dev.RollbackAfter = 3

	outcome, err := h.runner.Rollback(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, outcome.RetryCount)
	require.Equal(t, otaharness.SlotA, h.dev.Slot())
}

func TestEarlyRollbackStrictFails(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, func(c *Config) { c.StrictEarlyRollback = true })
	h.dev.RollbackAfter = 3

	_, err := h.runner.Rollback(context.Background())
	requireStepError(t, err, otaharness.ErrSlotChangedUnexpectedly)
	require.False(t, h.dev.SentinelPresent())
}

func TestStabilityKeepsSlot(t *testing.T) {
	h := newHarness(t, otaharness.SlotB, nil)

	outcome, err := h.runner.Stability(context.Background())
	require.NoError(t, err)
	require.Equal(t, 16, outcome.RetryCount)
	require.Equal(t, 16, h.dev.Reboots())
	require.Equal(t, otaharness.SlotB, outcome.SlotAfter)
}

func TestStabilityDetectsDrift(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)
	h.dev.DriftAtReboot = 5

	outcome, err := h.runner.Stability(context.Background())
	stepErr := requireStepError(t, err, otaharness.ErrSlotChangedUnexpectedly)
	require.Equal(t, "verify slot 4", stepErr.Step)
	require.Equal(t, otaharness.SlotB, stepErr.SlotAfter)
	require.Equal(t, 4, outcome.RetryCount)
}

func TestRebootTortureUsesTortureCount(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, func(c *Config) { c.TortureReboots = 5 })
	outcome, err := h.runner.RebootTorture(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, h.dev.Reboots())
	require.Equal(t, string(NameRebootTorture), outcome.Scenario)
}

func TestFullTest(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, func(c *Config) { c.StabilityReboots = 4 })

	outcome, err := h.runner.FullTest(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, outcome.RetryCount)
	require.Equal(t, otaharness.SlotB, h.dev.Slot())
	require.Equal(t, 8+1+4, h.dev.Reboots())
	require.Equal(t, []string{"rollback", "update", "stability", "test"}, h.rec.scenarios())
}

func TestTorture(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, func(c *Config) {
		c.TortureUpdates = 2
		c.TortureRounds = 1
		c.StabilityReboots = 2
	})

	_, err := h.runner.Torture(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, h.dev.Installs())
	require.Equal(t, otaharness.SlotB, h.dev.Slot())
	require.Equal(t, "torture", h.rec.scenarios()[len(h.rec.scenarios())-1])
}

func TestSoakRepeatsAndNumbersIterations(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)

	outcome, err := h.runner.Soak(context.Background(), NameUpdate, 3)
	require.NoError(t, err)
	require.Equal(t, 3, outcome.Iteration)
	require.Equal(t, otaharness.SlotB, h.dev.Slot())
	require.Len(t, h.rec.outcomes, 3)
	for i, o := range h.rec.outcomes {
		require.Equal(t, i+1, o.Iteration)
		require.True(t, o.Passed)
	}
}

func TestSoakStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)
	h.dev.RollbackAfter = 0

	_, err := h.runner.Soak(context.Background(), NameRollback, 0)
	require.ErrorIs(t, err, otaharness.ErrRollbackDidNotOccur)
	require.Len(t, h.rec.outcomes, 1)
}

func TestCancelledContextStopsScenario(t *testing.T) {
	h := newHarness(t, otaharness.SlotA, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.runner.Stability(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, h.dev.Reboots())
}

func TestParseName(t *testing.T) {
	name, err := ParseName("Reboot-Torture")
	require.NoError(t, err)
	require.Equal(t, NameRebootTorture, name)

	_, err = ParseName("fuzz")
	require.ErrorIs(t, err, otaharness.ErrConfiguration)
}
