package otaharness

import "github.com/pkg/errors"

// Error kinds surfaced by the harness. Components wrap these with context via
// errors.Wrap; callers classify failures with errors.Is.
var (
	// ErrConnection is transient: the device could not be reached or a session
	// could not be opened. It is retried by the reachability loops and never
	// reported as a scenario failure by itself.
	ErrConnection = errors.New("connection error")
	// ErrConfiguration marks missing or invalid operator input.
	ErrConfiguration = errors.New("configuration error")
	// ErrInstallFailed means the update agent logged an error-level line while
	// installing, regardless of its exit status.
	ErrInstallFailed = errors.New("install failed")
	// ErrUnknownSlot means the slot query returned neither "0" nor "1".
	ErrUnknownSlot = errors.New("unknown boot slot")
	// ErrPartitionMismatch means the mounted root partition does not match the
	// partition configured for the active slot.
	ErrPartitionMismatch = errors.New("boot and rootfs partition mismatch")
	ErrSlotDidNotChange  = errors.New("boot slot did not change")
	// ErrSlotChangedUnexpectedly covers slot drift across plain reboots and
	// early rollback under strict rollback checking.
	ErrSlotChangedUnexpectedly = errors.New("boot slot changed unexpectedly")
	ErrRollbackDidNotOccur     = errors.New("rollback did not occur")
	ErrRebootTimeout           = errors.New("reboot timeout")
	// ErrStaleSession is returned when a session issued before a reboot is used
	// after the reboot invalidated it.
	ErrStaleSession = errors.New("stale session used after invalidation")
)

// IsTransient reports whether err only signals that the device is not
// reachable yet.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsConfiguration reports whether err was caused by operator input.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
