package reboot

import (
	"context"
	"testing"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/internal/fakedevice"
	"github.com/OE4T/otaharness/pkg/device"
	"github.com/OE4T/otaharness/pkg/probe"
	"github.com/pkg/errors"
)

func TestRebootReconnectsWithFreshSession(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	dev.DownProbes = 3
	h := device.NewHandle(dev.Dialer(), "dev", device.WithRetryInterval(0))
	before, err := h.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}

	c := NewCycle(h, dev.Pinger(), probe.Policy{}, 0)
	if err := c.Reboot(context.Background()); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if dev.Reboots() != 1 || c.Count() != 1 {
		t.Fatalf("reboots = %d, count = %d", dev.Reboots(), c.Count())
	}
	if _, err := before.Run(context.Background(), "nvbootctrl get-current-slot"); !errors.Is(err, otaharness.ErrStaleSession) {
		t.Fatalf("pre-reboot session must be stale, got %v", err)
	}
	if _, err := h.Run(context.Background(), "nvbootctrl get-current-slot"); err != nil {
		t.Fatalf("post-reboot Run: %v", err)
	}
	if dev.Dials() != 2 {
		t.Fatalf("expected a fresh dial after reboot, got %d dials", dev.Dials())
	}
}

func TestRebootToleratesReconnectFailures(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	h := device.NewHandle(dev.Dialer(), "dev", device.WithRetryInterval(0))
	if _, err := h.Session(context.Background()); err != nil {
		t.Fatalf("Session: %v", err)
	}
	dev.FailDials = 2

	if err := NewCycle(h, dev.Pinger(), probe.Policy{}, 0).Reboot(context.Background()); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if dev.Dials() != 4 {
		t.Fatalf("dials = %d", dev.Dials())
	}
}

func TestRebootTimeout(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	h := device.NewHandle(dev.Dialer(), "dev", device.WithRetryInterval(0))
	// The device goes down after the reboot command and never answers again.
	down := probe.Func(func(context.Context) bool { return false })
	c := NewCycle(h, down, probe.Policy{Interval: time.Millisecond, DownInterval: time.Millisecond}, 30*time.Millisecond)

	err := c.Reboot(context.Background())
	if !errors.Is(err, otaharness.ErrRebootTimeout) {
		t.Fatalf("expected ErrRebootTimeout, got %v", err)
	}
}

func TestRebootCancelled(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	h := device.NewHandle(dev.Dialer(), "dev", device.WithRetryInterval(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewCycle(h, dev.Pinger(), probe.Policy{}, time.Minute).Reboot(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, otaharness.ErrRebootTimeout) {
		t.Fatalf("cancellation must not be reported as timeout")
	}
}

func TestRebootAbandonsHalfOpenSession(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	dev.HangOnReboot = true
	h := device.NewHandle(dev.Dialer(), "dev", device.WithRetryInterval(0))
	c := NewCycle(h, dev.Pinger(), probe.Policy{}, 0).WithCommandTimeout(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.Reboot(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reboot: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reboot blocked in the reboot command")
	}
	if dev.Reboots() != 1 {
		t.Fatalf("reboots = %d", dev.Reboots())
	}
	if _, err := h.Run(context.Background(), "nvbootctrl get-current-slot"); err != nil {
		t.Fatalf("post-reboot Run: %v", err)
	}
}

func TestRebootHalfOpenSessionStillHonorsCycleTimeout(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	dev.HangOnReboot = true
	h := device.NewHandle(dev.Dialer(), "dev", device.WithRetryInterval(0))
	c := NewCycle(h, dev.Pinger(), probe.Policy{}, 20*time.Millisecond).WithCommandTimeout(time.Minute)

	err := c.Reboot(context.Background())
	if !errors.Is(err, otaharness.ErrRebootTimeout) {
		t.Fatalf("expected ErrRebootTimeout, got %v", err)
	}
}
