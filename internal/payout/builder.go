package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"visa-direct-sdk/internal/policy"
)

// Builder accumulates a payout request through named setters and submits it
// exactly once via Execute. Setters are order-independent and chainable.
type Builder struct {
	orchestrator *Orchestrator
	policy       *policy.Policy

	originatorID   string
	idempotencyKey string
	funding        *Funding
	destination    *Destination
	amount         *Amount
	preflight      Preflight
}

// NewBuilder creates a builder bound to an orchestrator. The policy is used
// for the local pre-dispatch corridor check; nil falls back to the
// orchestrator's policy.
func NewBuilder(orchestrator *Orchestrator, pol *policy.Policy) *Builder {
	if pol == nil && orchestrator != nil {
		pol = orchestrator.policy
	}
	return &Builder{orchestrator: orchestrator, policy: pol}
}

func (b *Builder) ForOriginator(originatorID string) *Builder {
	b.originatorID = originatorID
	return b
}

func (b *Builder) WithIdempotencyKey(key string) *Builder {
	b.idempotencyKey = key
	return b
}

// WithFundingInternal declares a pre-debited internal ledger funding leg.
func (b *Builder) WithFundingInternal(debitConfirmed bool, confirmationRef string) *Builder {
	b.funding = &Funding{
		Type:            FundingInternal,
		DebitConfirmed:  debitConfirmed,
		ConfirmationRef: confirmationRef,
	}
	return b
}

// WithFundingFromCard declares an AFT funding leg with a single-use receipt.
func (b *Builder) WithFundingFromCard(receiptID, status string) *Builder {
	b.funding = &Funding{Type: FundingAFT, ReceiptID: receiptID, Status: status}
	return b
}

// WithFundingFromExternal declares a PIS (open-banking) funding leg.
func (b *Builder) WithFundingFromExternal(paymentID, status string) *Builder {
	b.funding = &Funding{Type: FundingPIS, PaymentID: paymentID, Status: status}
	return b
}

func (b *Builder) ToCardDirect(panToken string) *Builder {
	b.destination = &Destination{Type: DestinationCard, PANToken: panToken}
	return b
}

func (b *Builder) ToAccount(accountID string) *Builder {
	b.destination = &Destination{Type: DestinationAccount, AccountID: accountID}
	return b
}

func (b *Builder) ToAccountDetails(account BankAccount) *Builder {
	b.destination = &Destination{Type: DestinationAccount, Account: &account}
	return b
}

func (b *Builder) ToWallet(walletID string) *Builder {
	b.destination = &Destination{Type: DestinationWallet, WalletID: walletID}
	return b
}

func (b *Builder) ToCardViaAlias(alias, aliasType string) *Builder {
	b.destination = &Destination{Type: DestinationAlias, Alias: alias, AliasType: aliasType}
	return b
}

func (b *Builder) ForAmount(currency string, minor int64) *Builder {
	b.amount = &Amount{Currency: currency, Minor: minor}
	return b
}

// WithQuoteLock asks preflight to lock an FX quote. The amount is refreshed
// from the final payout amount at Execute time.
func (b *Builder) WithQuoteLock(srcCurrency, dstCurrency string) *Builder {
	b.preflight.FXLock = &FXLock{SrcCurrency: srcCurrency, DstCurrency: dstCurrency}
	return b
}

func (b *Builder) WithCompliance(payload map[string]any) *Builder {
	b.preflight.CompliancePayload = payload
	return b
}

func (b *Builder) ForCorridor(sourceCountry, targetCountry string) *Builder {
	b.preflight.Corridor = &CorridorRef{SourceCountry: sourceCountry, TargetCountry: targetCountry}
	return b
}

// WithCorridorCurrencies pins the corridor currency pair explicitly instead
// of deriving it from the FX lock and the amount.
func (b *Builder) WithCorridorCurrencies(sourceCurrency, targetCurrency string) *Builder {
	if b.preflight.Corridor == nil {
		b.preflight.Corridor = &CorridorRef{}
	}
	b.preflight.Corridor.SourceCurrency = sourceCurrency
	b.preflight.Corridor.TargetCurrency = targetCurrency
	return b
}

// Execute finalizes the request and submits it. Corridor violations fail
// here, before any network call and before the funding receipt is burned.
func (b *Builder) Execute(ctx context.Context) (Receipt, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	if b.preflight.FXLock != nil {
		b.preflight.FXLock.AmountMinor = b.amount.Minor
	}

	if corridor := b.preflight.Corridor; corridor != nil {
		if corridor.SourceCurrency == "" && b.preflight.FXLock != nil {
			corridor.SourceCurrency = b.preflight.FXLock.SrcCurrency
		}
		if corridor.TargetCurrency == "" {
			corridor.TargetCurrency = b.amount.Currency
		}
		if err := b.checkCorridor(*corridor); err != nil {
			return nil, err
		}
	}

	key := b.idempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	req := Request{
		OriginatorID:   b.originatorID,
		IdempotencyKey: key,
		Funding:        *b.funding,
		Destination:    *b.destination,
		Amount:         *b.amount,
		Preflight:      b.preflight,
	}
	return b.orchestrator.Payout(ctx, req)
}

func (b *Builder) validate() error {
	if b.originatorID == "" {
		return errors.New("originator id is required")
	}
	if b.funding == nil {
		return errors.New("funding is required")
	}
	if b.destination == nil {
		return errors.New("destination is required")
	}
	if b.amount == nil {
		return errors.New("amount is required")
	}
	if b.amount.Currency == "" || b.amount.Minor < 0 {
		return fmt.Errorf("invalid amount %+v", *b.amount)
	}
	return nil
}

// checkCorridor is the local fail-fast mirror of the orchestrator's
// corridor gate: same rules, evaluated before anything irreversible.
func (b *Builder) checkCorridor(corridor CorridorRef) error {
	pol := b.policy
	if pol == nil {
		var err error
		pol, err = policy.Load()
		if err != nil {
			return err
		}
	}

	rules, err := pol.GetRules(corridor.SourceCountry, corridor.TargetCountry,
		corridor.SourceCurrency, corridor.TargetCurrency)
	if err != nil {
		return err
	}

	if !rules.AllowsDestination(b.destination.RailCategory()) {
		return fmt.Errorf("%w: %s not permitted for corridor %s->%s",
			ErrDestinationNotAllowed, b.destination.RailCategory(),
			corridor.SourceCountry, corridor.TargetCountry)
	}
	if rules.LockRequired() && b.preflight.FXLock == nil {
		return fmt.Errorf("%w: corridor %s->%s requires a locked quote",
			ErrQuoteRequired, corridor.SourceCountry, corridor.TargetCountry)
	}
	return nil
}
