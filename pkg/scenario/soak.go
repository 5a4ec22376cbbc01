package scenario

import (
	"context"

	otaharness "github.com/OE4T/otaharness"
	"github.com/rs/zerolog/log"
)

// Soak repeats scenario name until it fails, ctx is done or repeat
// iterations passed. repeat <= 0 repeats forever. It returns the outcome of
// the last iteration run.
func (r *Runner) Soak(ctx context.Context, name Name, repeat int) (otaharness.TestOutcome, error) {
	defer func() { r.iteration = 0 }()

	var last otaharness.TestOutcome
	for i := 1; repeat <= 0 || i <= repeat; i++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		r.iteration = i
		log.Info().Str("scenario", string(name)).Int("iteration", i).Int("repeat", repeat).Msg("soak iteration")
		outcome, err := r.Run(ctx, name)
		last = outcome
		if err != nil {
			return last, err
		}
	}
	return last, nil
}
