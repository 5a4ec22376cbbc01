// Package device owns the remote session to the device under test.
//
// A Handle creates its session lazily and drops it explicitly around
// reboots. Sessions handed out before Invalidate carry the generation they
// were issued in; using one afterwards fails with ErrStaleSession instead of
// silently talking to a connection that died with the old boot.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/pkg/probe"
	"github.com/OE4T/otaharness/pkg/remote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Handle is the single owner of the session to one device.
type Handle struct {
	dialer         remote.Dialer
	device         string
	retryInterval  time.Duration
	commandTimeout time.Duration

	dialMu sync.Mutex

	mu         sync.Mutex
	session    remote.Session
	generation uint64

	state *stateTracker
}

// Option customizes a Handle.
type Option func(*Handle)

// WithRetryInterval sets the delay between connect attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(h *Handle) { h.retryInterval = d }
}

// WithCommandTimeout bounds every command issued through Handle.Run.
func WithCommandTimeout(d time.Duration) Option {
	return func(h *Handle) { h.commandTimeout = d }
}

func NewHandle(dialer remote.Dialer, device string, opts ...Option) *Handle {
	h := &Handle{
		dialer:        dialer,
		device:        device,
		retryInterval: probe.DefaultInterval,
		state:         newStateTracker(device),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Device returns the address the handle talks to.
func (h *Handle) Device() string { return h.device }

// State returns the current connection state.
func (h *Handle) State() ConnectionState { return h.state.get() }

// Transitions returns recent connection state changes, oldest first.
func (h *Handle) Transitions() []StateTransition { return h.state.history() }

// Generation increases every time the session is invalidated.
func (h *Handle) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// Session returns the live session, connecting with retry if there is none.
func (h *Handle) Session(ctx context.Context) (remote.Session, error) {
	h.dialMu.Lock()
	defer h.dialMu.Unlock()

	h.mu.Lock()
	if h.session != nil {
		s := h.wrap(h.session)
		h.mu.Unlock()
		return s, nil
	}
	h.mu.Unlock()

	session, err := h.connectWithRetry(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = session
	return h.wrap(session), nil
}

// wrap must be called with h.mu held.
func (h *Handle) wrap(s remote.Session) remote.Session {
	return &guardedSession{owner: h, generation: h.generation, inner: s}
}

// connectWithRetry dials until a session opens. Transient failures are
// logged and retried every retryInterval; anything else is returned. There
// is no attempt bound; ctx bounds the loop.
func (h *Handle) connectWithRetry(ctx context.Context) (remote.Session, error) {
	for attempt := 1; ; attempt++ {
		h.state.set(StateConnecting, fmt.Sprintf("attempt %d", attempt))
		session, err := h.dialer.Dial(ctx)
		if err == nil {
			h.state.set(StateConnected, fmt.Sprintf("connected after %d attempt(s)", attempt))
			log.Info().Str("device", h.device).Int("attempt", attempt).Msg("session established")
			return session, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			h.state.set(StateDisconnected, "cancelled")
			return nil, ctxErr
		}
		if !otaharness.IsTransient(err) {
			h.state.set(StateDisconnected, err.Error())
			return nil, err
		}
		log.Warn().Err(err).Str("device", h.device).Int("attempt", attempt).
			Msgf("Trying to connect to %s....", h.device)

		timer := time.NewTimer(h.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.state.set(StateDisconnected, "cancelled")
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Run issues cmd on the current session, connecting first if needed.
func (h *Handle) Run(ctx context.Context, cmd string) (remote.Result, error) {
	session, err := h.Session(ctx)
	if err != nil {
		return remote.Result{ExitCode: -1}, err
	}
	if h.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.commandTimeout)
		defer cancel()
	}
	return session.Run(ctx, cmd)
}

// Invalidate drops the current session. Sessions obtained earlier become
// stale; the next Session call dials afresh.
func (h *Handle) Invalidate(reason string) {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.generation++
	h.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			log.Debug().Err(err).Str("device", h.device).Msg("close invalidated session")
		}
	}
	h.state.set(StateInvalidated, reason)
}

// Close releases the session. The handle may be reused afterwards.
func (h *Handle) Close() error {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.generation++
	h.mu.Unlock()

	h.state.set(StateClosed, "closed by owner")
	if session == nil {
		return nil
	}
	return session.Close()
}

type guardedSession struct {
	owner      *Handle
	generation uint64
	inner      remote.Session
}

func (g *guardedSession) stale() bool {
	return g.owner.Generation() != g.generation
}

func (g *guardedSession) Run(ctx context.Context, cmd string) (remote.Result, error) {
	if g.stale() {
		return remote.Result{ExitCode: -1}, errors.Wrapf(otaharness.ErrStaleSession, "run %q", cmd)
	}
	return g.inner.Run(ctx, cmd)
}

// Close on a handed-out session invalidates the owner's session when it is
// still current.
func (g *guardedSession) Close() error {
	if g.stale() {
		return nil
	}
	g.owner.Invalidate("session closed by caller")
	return nil
}
