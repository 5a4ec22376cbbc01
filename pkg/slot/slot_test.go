package slot

import (
	"context"
	"testing"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/internal/fakedevice"
	"github.com/OE4T/otaharness/pkg/device"
	"github.com/OE4T/otaharness/pkg/remote"
	"github.com/pkg/errors"
)

const dfListing = "Filesystem      Size  Used Avail Use% Mounted on\n" +
	"/dev/mmcblk0p1   14G  5.1G  8.1G  39% /\n" +
	"tmpfs           3.9G     0  3.9G   0% /dev/shm\n"

func TestVerifyPartition(t *testing.T) {
	ok := remote.Result{Stdout: dfListing}
	cases := []struct {
		name       string
		slot       otaharness.BootSlot
		configured string
		mounts     remote.Result
		want       error
	}{
		{name: "match", slot: otaharness.SlotA, configured: "/dev/mmcblk0p1", mounts: ok},
		{name: "mismatch", slot: otaharness.SlotB, configured: "/dev/mmcblk0p2", mounts: ok, want: otaharness.ErrPartitionMismatch},
		{name: "mounted off root", slot: otaharness.SlotB, configured: "/dev/mmcblk0p2", mounts: remote.Result{Stdout: dfListing + "/dev/mmcblk0p2   14G  5.0G  8.2G  38% /mnt/other\n"}, want: otaharness.ErrPartitionMismatch},
		{name: "prefix is not a match", slot: otaharness.SlotA, configured: "/dev/mmcblk0p", mounts: ok, want: otaharness.ErrPartitionMismatch},
		{name: "empty configured", slot: otaharness.SlotA, configured: " ", mounts: ok, want: otaharness.ErrPartitionMismatch},
		{name: "listing failed", slot: otaharness.SlotA, configured: "/dev/mmcblk0p1", mounts: remote.Result{ExitCode: 1}, want: otaharness.ErrPartitionMismatch},
		{name: "unknown slot", slot: otaharness.SlotUnknown, configured: "/dev/mmcblk0p1", mounts: ok, want: otaharness.ErrUnknownSlot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyPartition(tc.slot, tc.configured, tc.mounts)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPartitionQuery(t *testing.T) {
	got := PartitionQuery(otaharness.SlotB)
	want := `grep -h RootfsPartB /etc/mender/mender.conf /var/lib/mender/mender.conf | cut -d: -f2 | cut -d, -f1 | tr -d '" '`
	if got != want {
		t.Fatalf("PartitionQuery = %q", got)
	}
}

func newInspector(dev *fakedevice.Device) *Inspector {
	return NewInspector(device.NewHandle(dev.Dialer(), "dev", device.WithRetryInterval(0)))
}

func TestCurrentSlot(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotB)
	got, err := newInspector(dev).CurrentSlot(context.Background())
	if err != nil {
		t.Fatalf("CurrentSlot: %v", err)
	}
	if got != otaharness.SlotB {
		t.Fatalf("slot = %s", got)
	}
}

func TestCurrentSlotUnknownOutput(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	dev.SlotOutput = "2\n"
	_, err := newInspector(dev).CurrentSlot(context.Background())
	if !errors.Is(err, otaharness.ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}
}

func TestCheckPartitionConsistency(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	check, err := newInspector(dev).CheckPartitionConsistency(context.Background())
	if err != nil {
		t.Fatalf("CheckPartitionConsistency: %v", err)
	}
	if check.Slot != otaharness.SlotA || check.Configured != "/dev/mmcblk0p1" {
		t.Fatalf("unexpected check %+v", check)
	}
}

func TestCheckPartitionConsistencyMismatch(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotA)
	dev.MountedOverride = "/dev/mmcblk0p2"
	_, err := newInspector(dev).CheckPartitionConsistency(context.Background())
	if !errors.Is(err, otaharness.ErrPartitionMismatch) {
		t.Fatalf("expected ErrPartitionMismatch, got %v", err)
	}
}

func TestCheckPartitionConsistencyMissingConfig(t *testing.T) {
	dev := fakedevice.New(otaharness.SlotB)
	delete(dev.Partitions, otaharness.SlotB)
	_, err := newInspector(dev).CheckPartitionConsistency(context.Background())
	if !errors.Is(err, otaharness.ErrPartitionMismatch) {
		t.Fatalf("expected ErrPartitionMismatch, got %v", err)
	}
}
