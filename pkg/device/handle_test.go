package device

import (
	"context"
	"testing"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/internal/fakedevice"
	"github.com/OE4T/otaharness/pkg/remote"
	"github.com/pkg/errors"
)

func TestSessionIsCreatedLazilyAndReused(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	h := NewHandle(dev.Dialer(), "dev", WithRetryInterval(0))

	if dev.Dials() != 0 {
		t.Fatalf("handle must not dial before first use")
	}
	if _, err := h.Run(context.Background(), "nvbootctrl get-current-slot"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := h.Run(context.Background(), "nvbootctrl get-current-slot"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dev.Dials() != 1 {
		t.Fatalf("expected one dial, got %d", dev.Dials())
	}
	if h.State() != StateConnected {
		t.Fatalf("state = %s", h.State())
	}
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	dev.FailDials = 3
	h := NewHandle(dev.Dialer(), "dev", WithRetryInterval(0))

	if _, err := h.Session(context.Background()); err != nil {
		t.Fatalf("Session: %v", err)
	}
	if dev.Dials() != 4 {
		t.Fatalf("expected 4 dials, got %d", dev.Dials())
	}
}

type failingDialer struct{ err error }

func (d failingDialer) Dial(context.Context) (remote.Session, error) { return nil, d.err }

func TestConnectStopsOnNonTransientError(t *testing.T) {
	h := NewHandle(failingDialer{err: errors.Wrap(otaharness.ErrConfiguration, "bad key")}, "dev", WithRetryInterval(0))
	_, err := h.Session(context.Background())
	if !errors.Is(err, otaharness.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestConnectHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := NewHandle(failingDialer{err: otaharness.ErrConnection}, "dev", WithRetryInterval(0))
	if _, err := h.Session(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStaleSessionAfterInvalidate(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	h := NewHandle(dev.Dialer(), "dev", WithRetryInterval(0))

	old, err := h.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	h.Invalidate("reboot")
	if h.State() != StateInvalidated {
		t.Fatalf("state = %s", h.State())
	}

	_, err = old.Run(context.Background(), "nvbootctrl get-current-slot")
	if !errors.Is(err, otaharness.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}

	fresh, err := h.Session(context.Background())
	if err != nil {
		t.Fatalf("Session after invalidate: %v", err)
	}
	if _, err := fresh.Run(context.Background(), "nvbootctrl get-current-slot"); err != nil {
		t.Fatalf("fresh session Run: %v", err)
	}
	if dev.Dials() != 2 {
		t.Fatalf("expected a second dial, got %d", dev.Dials())
	}
}

func TestTransitionsAreRecorded(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	h := NewHandle(dev.Dialer(), "dev", WithRetryInterval(0))
	if _, err := h.Session(context.Background()); err != nil {
		t.Fatalf("Session: %v", err)
	}
	h.Invalidate("reboot")
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []ConnectionState
	for _, tr := range h.Transitions() {
		got = append(got, tr.To)
	}
	want := []ConnectionState{StateConnecting, StateConnected, StateInvalidated, StateClosed}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}
