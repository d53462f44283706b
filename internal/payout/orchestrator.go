package payout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"visa-direct-sdk/internal/compliance"
	"visa-direct-sdk/internal/events"
	"visa-direct-sdk/internal/policy"
	"visa-direct-sdk/internal/quoting"
	"visa-direct-sdk/internal/recipient"
	"visa-direct-sdk/internal/storage"
	"visa-direct-sdk/internal/transport"
	"visa-direct-sdk/pkg/logger"
	"visa-direct-sdk/pkg/tracing"
)

const (
	pushFundsPath     = "/visadirect/fundstransfer/v1/pushfunds"
	accountPayoutPath = "/accountpayouts/v1/payout"
	walletPayoutPath  = "/walletpayouts/v1/payout"
	payoutStatusPath  = "/visapayouts/v3/payouts/"

	// Successful results stay authoritative for an hour.
	resultTTL = 3600 * time.Second

	// The originator's ledger currency. Same-currency payouts in it need
	// no FX lock.
	homeCurrency = "USD"
)

// Transport is the slice of the secure client the orchestrator needs.
type Transport interface {
	Post(ctx context.Context, path string, body any, headers map[string]string) (map[string]any, int, http.Header, error)
	Get(ctx context.Context, path string, headers map[string]string) (map[string]any, int, http.Header, error)
}

// Orchestrator drives a payout from funding guard through preflight to
// dispatch. It is safe for concurrent use; all mutable state lives in the
// injected stores.
type Orchestrator struct {
	transport Transport
	idem      storage.IdempotencyStore
	receipts  storage.ReceiptStore
	recipient *recipient.Service
	quoting   *quoting.Service
	screener  compliance.Screener
	policy    *policy.Policy
	emitter   events.Emitter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithIdempotencyStore(store storage.IdempotencyStore) Option {
	return func(o *Orchestrator) { o.idem = store }
}

func WithReceiptStore(store storage.ReceiptStore) Option {
	return func(o *Orchestrator) { o.receipts = store }
}

func WithRecipientService(service *recipient.Service) Option {
	return func(o *Orchestrator) { o.recipient = service }
}

func WithQuotingService(service *quoting.Service) Option {
	return func(o *Orchestrator) { o.quoting = service }
}

func WithScreener(screener compliance.Screener) Option {
	return func(o *Orchestrator) { o.screener = screener }
}

func WithPolicy(pol *policy.Policy) Option {
	return func(o *Orchestrator) { o.policy = pol }
}

func WithEmitter(emitter events.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = emitter }
}

func NewOrchestrator(t Transport, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{transport: t}
	for _, opt := range opts {
		opt(o)
	}

	if o.idem == nil {
		o.idem = storage.NewMemoryIdempotencyStore()
	}
	if o.receipts == nil {
		o.receipts = storage.NewMemoryReceiptStore()
	}
	if o.recipient == nil {
		o.recipient = recipient.NewService(t, storage.NewMemoryCache())
	}
	if o.quoting == nil {
		o.quoting = quoting.NewService(t, storage.NewMemoryCache())
	}
	if o.screener == nil {
		o.screener = compliance.NewService(t)
	}
	if o.emitter == nil {
		o.emitter = events.NewLogEmitter()
	}
	if o.policy == nil {
		pol, err := policy.Load()
		if err != nil {
			return nil, err
		}
		o.policy = pol
	}
	return o, nil
}

// Payout executes the request. The order is fixed: idempotency lookup,
// funding guard, preflight, dispatch, store. Any failure after the funding
// guard emits a compensation event because money may already have moved.
func (o *Orchestrator) Payout(ctx context.Context, req Request) (Receipt, error) {
	ctx, span := tracing.Start(ctx, "payout.execute",
		attribute.String("payout.idempotency_key", req.IdempotencyKey),
		attribute.String("payout.funding_type", string(req.Funding.Type)),
		attribute.String("payout.destination_type", string(req.Destination.Type)),
	)
	defer span.End()

	stored, err := o.idem.Get(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if stored != nil {
		span.AddEvent("payout.idempotent_replay")
		return Receipt(stored), nil
	}

	if err := o.guardFunding(ctx, req.Funding); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	receipt, err := o.run(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		o.compensate(ctx, req, err)
		return nil, err
	}
	return receipt, nil
}

// GetStatus fetches a previously dispatched payout by id.
func (o *Orchestrator) GetStatus(ctx context.Context, payoutID string) (Receipt, error) {
	data, _, _, err := o.transport.Get(ctx, payoutStatusPath+payoutID, nil)
	if err != nil {
		return nil, err
	}
	return Receipt(data), nil
}

// guardFunding enforces the funding leg before any network activity. For
// AFT and PIS the receipt is burned before the status check, so a declined
// receipt cannot be retried hoping for a different outcome.
func (o *Orchestrator) guardFunding(ctx context.Context, funding Funding) error {
	switch funding.Type {
	case FundingInternal:
		if !funding.DebitConfirmed || funding.ConfirmationRef == "" {
			return ErrLedgerNotConfirmed
		}
		return nil

	case FundingAFT:
		first, err := o.receipts.ConsumeOnce(ctx, "AFT", funding.ReceiptID)
		if err != nil {
			return fmt.Errorf("receipt store failed: %w", err)
		}
		if !first {
			return fmt.Errorf("%w: AFT %s", ErrReceiptReused, funding.ReceiptID)
		}
		if funding.Status != "approved" {
			return fmt.Errorf("%w: status %q", ErrAFTDeclined, funding.Status)
		}
		return nil

	case FundingPIS:
		first, err := o.receipts.ConsumeOnce(ctx, "PIS", funding.PaymentID)
		if err != nil {
			return fmt.Errorf("receipt store failed: %w", err)
		}
		if !first {
			return fmt.Errorf("%w: PIS %s", ErrReceiptReused, funding.PaymentID)
		}
		if funding.Status != "executed" {
			return fmt.Errorf("%w: status %q", ErrPISFailed, funding.Status)
		}
		return nil

	default:
		return fmt.Errorf("unsupported funding type %q", funding.Type)
	}
}

// run covers everything past the funding guard: preflight, dispatch, store.
func (o *Orchestrator) run(ctx context.Context, req Request) (Receipt, error) {
	destination, fxQuoteID, err := o.preflight(ctx, req)
	if err != nil {
		return nil, err
	}

	path, err := dispatchPath(destination.Type)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"originatorId": req.OriginatorID,
		"funding":      req.Funding,
		"destination":  destination,
		"amount":       req.Amount,
	}
	if fxQuoteID != "" {
		body["fxQuoteId"] = fxQuoteID
	}
	headers := map[string]string{"x-idempotency-key": req.IdempotencyKey}

	data, _, _, err := o.transport.Post(ctx, path, body, headers)
	if err != nil {
		return nil, err
	}

	if err := o.idem.Put(ctx, req.IdempotencyKey, data, resultTTL); err != nil {
		// The payout went through; a store hiccup must not fail the call.
		logger.Error("Failed to store payout result",
			zap.String("idempotencyKey", req.IdempotencyKey), zap.Error(err))
		return Receipt(data), nil
	}

	// Read back so concurrent callers under the same key see the same
	// stored object, whoever won the write.
	stored, err := o.idem.Get(ctx, req.IdempotencyKey)
	if err == nil && stored != nil {
		return Receipt(stored), nil
	}
	return Receipt(data), nil
}

// preflight runs the fixed gate order: alias, compliance, FX, corridor.
// It returns the effective destination and the locked quote id, if any.
func (o *Orchestrator) preflight(ctx context.Context, req Request) (Destination, string, error) {
	destination := req.Destination

	if destination.Type == DestinationAlias {
		resolved, err := o.resolveAlias(ctx, destination)
		if err != nil {
			return destination, "", err
		}
		destination = resolved
	}

	if req.Preflight.CompliancePayload != nil {
		approved, err := o.screener.Screen(ctx, req.Preflight.CompliancePayload)
		if err != nil {
			return destination, "", fmt.Errorf("compliance screening failed: %w", err)
		}
		if !approved {
			return destination, "", ErrComplianceDenied
		}
	}

	fxQuoteID := ""
	if lock := req.Preflight.FXLock; lock != nil {
		quote, err := o.quoting.Lock(ctx, lock.SrcCurrency, lock.DstCurrency, lock.AmountMinor)
		if err != nil {
			return destination, "", err
		}
		if !quote.ExpiresAt.After(time.Now()) {
			return destination, "", fmt.Errorf("%w: quote %s expired at %s",
				ErrQuoteExpired, quote.QuoteID, quote.ExpiresAt.Format(time.RFC3339))
		}
		fxQuoteID = quote.QuoteID
	} else if req.Amount.Currency != homeCurrency {
		return destination, "", fmt.Errorf("%w: currency %s", ErrQuoteRequired, req.Amount.Currency)
	}

	if corridor := req.Preflight.Corridor; corridor != nil {
		rules, err := resolveCorridorRules(o.policy, *corridor, req.Preflight.FXLock, req.Amount)
		if err != nil {
			return destination, "", err
		}
		if !rules.AllowsDestination(destination.RailCategory()) {
			return destination, "", fmt.Errorf("%w: %s not permitted for corridor %s->%s",
				ErrDestinationNotAllowed, destination.RailCategory(),
				corridor.SourceCountry, corridor.TargetCountry)
		}
		if rules.LockRequired() && fxQuoteID == "" {
			return destination, "", fmt.Errorf("%w: corridor %s->%s requires a locked quote",
				ErrQuoteRequired, corridor.SourceCountry, corridor.TargetCountry)
		}
	}

	return destination, fxQuoteID, nil
}

// resolveAlias rewrites an ALIAS destination into a CARD credential after
// validating the card and its push-payment eligibility.
func (o *Orchestrator) resolveAlias(ctx context.Context, destination Destination) (Destination, error) {
	resolved, err := o.recipient.ResolveAlias(ctx, destination.Alias, destination.AliasType)
	if err != nil {
		return destination, err
	}
	panToken, _ := resolved["panToken"].(string)
	if panToken == "" {
		return destination, fmt.Errorf("%w: alias resolution returned no credential", ErrDestinationNotAllowed)
	}

	if _, err := o.recipient.CardValidation(ctx, panToken); err != nil {
		return destination, err
	}

	attrs, err := o.recipient.TransferAttributes(ctx, panToken)
	if err != nil {
		return destination, err
	}
	if eligible, _ := attrs["octEligible"].(bool); !eligible {
		return destination, fmt.Errorf("%w: credential not eligible for push payments", ErrDestinationNotAllowed)
	}

	return Destination{Type: DestinationCard, PANToken: panToken}, nil
}

// resolveCorridorRules fills missing corridor currencies from the FX lock
// and the amount, then resolves the policy rules.
func resolveCorridorRules(pol *policy.Policy, corridor CorridorRef, lock *FXLock, amount Amount) (policy.Rules, error) {
	sourceCurrency := corridor.SourceCurrency
	if sourceCurrency == "" && lock != nil {
		sourceCurrency = lock.SrcCurrency
	}
	targetCurrency := corridor.TargetCurrency
	if targetCurrency == "" {
		targetCurrency = amount.Currency
	}
	return pol.GetRules(corridor.SourceCountry, corridor.TargetCountry, sourceCurrency, targetCurrency)
}

func dispatchPath(destinationType DestinationType) (string, error) {
	switch destinationType {
	case DestinationCard:
		return pushFundsPath, nil
	case DestinationAccount:
		return accountPayoutPath, nil
	case DestinationWallet:
		return walletPayoutPath, nil
	default:
		return "", fmt.Errorf("unsupported destination type %q", destinationType)
	}
}

// compensate emits a best-effort compensation event. The funding leg may
// already have moved money, so downstream systems must learn the payout
// failed even though the SDK cannot reverse it.
func (o *Orchestrator) compensate(ctx context.Context, req Request, cause error) {
	event := events.CompensationEvent{
		Event:     events.EventPayoutFailed,
		SagaID:    req.IdempotencyKey,
		Funding:   fundingFields(req.Funding),
		Reason:    classifyReason(cause),
		Metadata:  map[string]any{"message": cause.Error()},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	o.emitter.Emit(ctx, event)
}

func fundingFields(funding Funding) map[string]any {
	fields := map[string]any{"type": string(funding.Type)}
	switch funding.Type {
	case FundingInternal:
		fields["confirmationRef"] = funding.ConfirmationRef
	case FundingAFT:
		fields["receiptId"] = funding.ReceiptID
		fields["status"] = funding.Status
	case FundingPIS:
		fields["paymentId"] = funding.PaymentID
		fields["status"] = funding.Status
	}
	return fields
}

func classifyReason(err error) string {
	switch {
	case errors.Is(err, ErrQuoteRequired):
		return "QuoteRequired"
	case errors.Is(err, ErrQuoteExpired):
		return "QuoteExpired"
	case errors.Is(err, ErrDestinationNotAllowed):
		return "DestinationNotAllowed"
	case errors.Is(err, ErrComplianceDenied):
		return "ComplianceDenied"
	case errors.Is(err, policy.ErrPolicyNotFound):
		return "PolicyNotFound"
	}

	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("HTTPError:%d", httpErr.StatusCode)
	}
	if errors.Is(err, transport.ErrKeySetUnavailable) ||
		errors.Is(err, transport.ErrJWEKidUnknown) ||
		errors.Is(err, transport.ErrJWEDecrypt) {
		return "CryptoError"
	}
	return "NetworkError"
}
