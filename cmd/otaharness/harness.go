package main

import (
	"context"
	"time"

	otaharness "github.com/OE4T/otaharness"
	"github.com/OE4T/otaharness/internal/config"
	"github.com/OE4T/otaharness/pkg/device"
	"github.com/OE4T/otaharness/pkg/feishu"
	"github.com/OE4T/otaharness/pkg/probe"
	"github.com/OE4T/otaharness/pkg/reboot"
	"github.com/OE4T/otaharness/pkg/remote"
	"github.com/OE4T/otaharness/pkg/scenario"
	"github.com/OE4T/otaharness/pkg/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const sinkTimeout = 30 * time.Second

// harness is the wired set of components for one device.
type harness struct {
	cfg      config.Config
	handle   *device.Handle
	runner   *scenario.Runner
	store    *storage.Store
	reporter *storage.Reporter
}

// resolveConfig applies flag overrides and checks the device target.
func resolveConfig(settings *config.Settings) (config.Config, error) {
	cfg, err := settings.Resolve()
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func openHarness(ctx context.Context, cfg config.Config) (*harness, error) {
	dialer, err := remote.NewDialer(cfg.Target)
	if err != nil {
		return nil, err
	}
	h := &harness{cfg: cfg}
	h.handle = device.NewHandle(dialer, cfg.Target.Address,
		device.WithRetryInterval(cfg.Probe.Interval),
		device.WithCommandTimeout(cfg.CommandTimeout),
	)
	pinger := probe.New(cfg.PingMode, cfg.Target.Address, dialer)
	cycle := reboot.NewCycle(h.handle, pinger, cfg.Probe, cfg.RebootTimeout)

	recorder, err := h.openRecorders(ctx)
	if err != nil {
		h.Close()
		return nil, err
	}
	h.runner = scenario.ForDevice(cfg.Scenario, h.handle, cycle, recorder)

	log.Info().
		Str("device", cfg.Target.String()).
		Str("transport", string(cfg.Target.Transport)).
		Str("boot_method", string(cfg.Target.BootMethod)).
		Str("credential", string(cfg.Target.Credential.Kind())).
		Str("ping_mode", string(cfg.PingMode)).
		Str("run", h.runner.RunID()).
		Msg("harness ready")
	return h, nil
}

// openRecorders wires the sqlite history and the feishu sink. With both
// enabled feishu is fed from the history by a background reporter.
func (h *harness) openRecorders(ctx context.Context) (otaharness.OutcomeRecorder, error) {
	sink, err := feishu.NewOutcomeStorageFromEnv(h.cfg.FeishuResultURL)
	if err != nil {
		return nil, errors.Wrap(otaharness.ErrConfiguration, err.Error())
	}
	if sink != nil {
		table := sink.Table()
		log.Info().Str("app", table.AppToken).Str("table", table.TableID).
			Msg("feishu result reporting enabled")
	}

	var recorders otaharness.MultiRecorder
	if h.cfg.History {
		store, err := storage.Open(h.cfg.DBPath)
		if err != nil {
			return nil, err
		}
		h.store = store
		recorders = append(recorders, store)
		log.Info().Str("path", store.Path()).Msg("recording outcome history")
		if sink != nil {
			h.reporter = storage.NewReporter(store, sink, storage.ReporterOptions{})
			h.reporter.Start(ctx)
		}
	} else if sink != nil {
		recorders = append(recorders, sinkRecorder{sink: sink})
	}
	if len(recorders) == 0 {
		return otaharness.NoopRecorder{}, nil
	}
	return recorders, nil
}

func (h *harness) Close() {
	if h.reporter != nil {
		if err := h.reporter.Close(); err != nil {
			log.Warn().Err(err).Msg("outcome reporter stopped with error")
		}
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			log.Warn().Err(err).Msg("close outcome history failed")
		}
	}
	if h.handle != nil {
		_ = h.handle.Close()
	}
}

// sinkRecorder pushes outcomes straight to a sink when there is no history.
type sinkRecorder struct {
	sink storage.Sink
}

func (r sinkRecorder) RecordOutcome(ctx context.Context, outcome otaharness.TestOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	return r.sink.WriteOutcome(ctx, outcome)
}
