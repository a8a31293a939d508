package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mbd888/recurring/internal/fees"
	"github.com/mbd888/recurring/internal/idgen"
)

// EventType names a ledger notification.
type EventType string

const (
	EventConfigInitialized         EventType = "config_initialized"
	EventConfigUpdated             EventType = "config_updated"
	EventPaused                    EventType = "paused"
	EventUnpaused                  EventType = "unpaused"
	EventFeesWithdrawn             EventType = "fees_withdrawn"
	EventAuthorityTransferStarted  EventType = "authority_transfer_started"
	EventAuthorityTransferAccepted EventType = "authority_transfer_accepted"
	EventAuthorityTransferCanceled EventType = "authority_transfer_canceled"

	EventPayeeRegistered    EventType = "payee_registered"
	EventTermsCreated       EventType = "terms_created"
	EventTermsUpdated       EventType = "terms_updated"
	EventTermsStatusChanged EventType = "terms_status_changed"

	EventAgreementStarted     EventType = "agreement_started"
	EventAgreementReactivated EventType = "agreement_reactivated"
	EventPaymentExecuted      EventType = "payment_executed"
	EventAgreementCanceled    EventType = "agreement_canceled"
	EventAgreementClosed      EventType = "agreement_closed"
	EventTrialStarted         EventType = "trial_started"
	EventTrialConverted       EventType = "trial_converted"
	EventTierChanged          EventType = "tier_changed"

	EventLowAuthorizationWarning EventType = "low_authorization_warning"
	EventHolderMismatchWarning   EventType = "holder_mismatch_warning"
)

// Event is one notification. Data holds one of the typed payloads below.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// Subjects lists the addresses the event concerns, for subscriber filtering.
	Subjects []common.Address `json:"subjects,omitempty"`
	Data     interface{}      `json:"data"`
}

// EventSink receives events after the emitting operation commits. Warning
// events are delivered even when the operation then fails.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

// Emit forwards event to every non-nil sink.
func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

// Emit logs the event at info level, warnings at warn level.
func (l LogSink) Emit(ctx context.Context, event Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if event.Type == EventLowAuthorizationWarning || event.Type == EventHolderMismatchWarning {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "ledger event",
		"event_id", event.ID,
		"type", string(event.Type),
		"data", event.Data,
	)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

func newEvent(typ EventType, ts int64, data interface{}, subjects ...common.Address) Event {
	return Event{
		ID:        idgen.New(),
		Type:      typ,
		Timestamp: time.Unix(ts, 0).UTC(),
		Subjects:  subjects,
		Data:      data,
	}
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

type ConfigInitialized struct {
	Config *Config `json:"config"`
}

type ConfigUpdated struct {
	Config *Config `json:"config"`
}

type PauseChanged struct {
	Authority common.Address `json:"authority"`
	Paused    bool           `json:"paused"`
}

type FeesWithdrawn struct {
	Authority   common.Address `json:"authority"`
	Destination common.Address `json:"destination"`
	Amount      uint64         `json:"amount"`
}

type AuthorityChanged struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
}

type PayeeRegistered struct {
	Payee     common.Address `json:"payee"`
	Authority common.Address `json:"authority"`
	Treasury  common.Address `json:"treasury"`
	FeeBps    uint16         `json:"feeBps"`
}

type TermsChanged struct {
	Terms *Terms `json:"terms"`
}

type TermsStatusChanged struct {
	Terms  common.Address `json:"terms"`
	Signer common.Address `json:"signer"`
	Active bool           `json:"active"`
}

type AgreementStarted struct {
	Agreement common.Address `json:"agreement"`
	Terms     common.Address `json:"terms"`
	Payee     common.Address `json:"payee"`
	Payer     common.Address `json:"payer"`
	Amount    uint64         `json:"amount"`
	// Split is nil when the first payment was waived for a trial.
	Split   *fees.Split `json:"split,omitempty"`
	InTrial bool        `json:"inTrial"`
	NextDue int64       `json:"nextDue"`
}

type TrialStarted struct {
	Agreement   common.Address `json:"agreement"`
	Payer       common.Address `json:"payer"`
	TrialEndsAt int64          `json:"trialEndsAt"`
}

type AgreementReactivated struct {
	Agreement         common.Address `json:"agreement"`
	Payer             common.Address `json:"payer"`
	Amount            uint64         `json:"amount"`
	Split             fees.Split     `json:"split"`
	PaymentCount      uint64         `json:"paymentCount"`
	OriginalCreatedAt int64          `json:"originalCreatedAt"`
	NextDue           int64          `json:"nextDue"`
}

type PaymentExecuted struct {
	Agreement    common.Address `json:"agreement"`
	Payee        common.Address `json:"payee"`
	Payer        common.Address `json:"payer"`
	Executor     common.Address `json:"executor"`
	Amount       uint64         `json:"amount"`
	Split        fees.Split     `json:"split"`
	PaymentCount uint64         `json:"paymentCount"`
	NextDue      int64          `json:"nextDue"`
}

type TrialConverted struct {
	Agreement common.Address `json:"agreement"`
	Payer     common.Address `json:"payer"`
}

type TierChanged struct {
	Payee          common.Address `json:"payee"`
	OldTier        fees.Tier      `json:"oldTier"`
	NewTier        fees.Tier      `json:"newTier"`
	Volume         uint64         `json:"volume"`
	PlatformFeeBps uint16         `json:"platformFeeBps"`
}

type LowAuthorizationWarning struct {
	Agreement   common.Address `json:"agreement"`
	Account     common.Address `json:"account"`
	Current     uint64         `json:"current"`
	Recommended uint64         `json:"recommended"`
	Amount      uint64         `json:"amount"`
}

type HolderMismatchWarning struct {
	Agreement common.Address `json:"agreement"`
	Account   common.Address `json:"account"`
	Expected  common.Address `json:"expected"`
	// Actual is nil when the account carries no grant at all.
	Actual *common.Address `json:"actual,omitempty"`
}

type AgreementCanceled struct {
	Agreement common.Address `json:"agreement"`
	Payer     common.Address `json:"payer"`
	// Revoked reports whether the funding account grant was cleared.
	Revoked bool `json:"revoked"`
}

type AgreementClosed struct {
	Agreement common.Address `json:"agreement"`
	Payer     common.Address `json:"payer"`
}
