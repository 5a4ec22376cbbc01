package feishu

import (
	"context"
	"os"
	"strings"

	otaharness "github.com/OE4T/otaharness"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvResultBitableURL indicates where to push outcome rows.
const EnvResultBitableURL = "OTAHARNESS_FEISHU_RESULT_URL"

// Values written into the result column.
const (
	ResultPass = "pass"
	ResultFail = "fail"
)

// OutcomeFields maps outcome attributes to bitable column names. Empty
// entries are not written.
type OutcomeFields struct {
	RunID      string
	Scenario   string
	Iteration  string
	Device     string
	HostID     string
	Result     string
	Reason     string
	Step       string
	RetryCount string
	SlotBefore string
	SlotAfter  string
	StartedAt  string
	Duration   string
}

// DefaultOutcomeFields matches the columns of the bundled result table template.
var DefaultOutcomeFields = OutcomeFields{
	RunID:      "RunID",
	Scenario:   "Scenario",
	Iteration:  "Iteration",
	Device:     "Device",
	HostID:     "HostID",
	Result:     "Result",
	Reason:     "Reason",
	Step:       "Step",
	RetryCount: "RetryCount",
	SlotBefore: "SlotBefore",
	SlotAfter:  "SlotAfter",
	StartedAt:  "StartedAt",
	Duration:   "DurationSeconds",
}

// OutcomeStorage writes outcomes into the configured result table.
type OutcomeStorage struct {
	client *Client
	ref    BitableRef
	fields OutcomeFields
}

// NewOutcomeStorage validates tableURL and binds it to client.
func NewOutcomeStorage(client *Client, tableURL string) (*OutcomeStorage, error) {
	if client == nil {
		return nil, errors.New("feishu storage: client is nil")
	}
	ref, err := ParseBitableURL(tableURL)
	if err != nil {
		return nil, errors.Wrap(err, "feishu storage")
	}
	return &OutcomeStorage{client: client, ref: ref, fields: DefaultOutcomeFields}, nil
}

// NewOutcomeStorageFromEnv initializes storage from the FEISHU env vars. A
// nil storage and nil error are returned when no result table is configured.
func NewOutcomeStorageFromEnv(tableURL string) (*OutcomeStorage, error) {
	rawURL := strings.TrimSpace(tableURL)
	if rawURL == "" {
		rawURL = strings.TrimSpace(os.Getenv(EnvResultBitableURL))
	}
	if rawURL == "" {
		return nil, nil
	}
	client, err := NewClientFromEnv()
	if err != nil {
		return nil, errors.Wrap(err, "feishu storage: init client failed")
	}
	return NewOutcomeStorage(client, rawURL)
}

// Table returns the bound bitable reference.
func (s *OutcomeStorage) Table() BitableRef {
	return s.ref
}

// WriteOutcome uploads a single outcome row.
func (s *OutcomeStorage) WriteOutcome(ctx context.Context, outcome otaharness.TestOutcome) error {
	if s == nil || s.client == nil {
		return errors.New("feishu storage: storage is nil")
	}
	id, err := s.client.CreateRecord(ctx, s.ref, s.fields.Encode(outcome))
	if err != nil {
		return errors.Wrap(err, "feishu storage: create outcome record failed")
	}
	log.Debug().Str("record", id).Str("run", outcome.RunID).
		Str("scenario", outcome.Scenario).Msg("outcome pushed to feishu")
	return nil
}

// Encode builds the bitable field map for outcome. Timestamps are epoch
// milliseconds as expected by bitable date columns.
func (f OutcomeFields) Encode(outcome otaharness.TestOutcome) map[string]any {
	result := ResultFail
	if outcome.Passed {
		result = ResultPass
	}
	fields := make(map[string]any)
	put := func(name string, value any) {
		if strings.TrimSpace(name) == "" {
			return
		}
		fields[name] = value
	}
	put(f.RunID, outcome.RunID)
	put(f.Scenario, outcome.Scenario)
	put(f.Iteration, outcome.Iteration)
	put(f.Device, outcome.Device)
	put(f.HostID, outcome.HostID)
	put(f.Result, result)
	put(f.Reason, outcome.Reason)
	put(f.Step, outcome.Step)
	put(f.RetryCount, outcome.RetryCount)
	put(f.SlotBefore, outcome.SlotBefore.String())
	put(f.SlotAfter, outcome.SlotAfter.String())
	if !outcome.StartedAt.IsZero() {
		put(f.StartedAt, outcome.StartedAt.UnixMilli())
	}
	put(f.Duration, outcome.Duration.Seconds())
	return fields
}
