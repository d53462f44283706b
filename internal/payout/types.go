// Package payout holds the request model and the orchestrator that moves a
// payout from a committed funding leg to a dispatched push payment.
package payout

// FundingType tags the funding variant of a request.
type FundingType string

const (
	FundingInternal FundingType = "INTERNAL"
	FundingAFT      FundingType = "AFT"
	FundingPIS      FundingType = "PIS"
)

// Funding describes how the payout is funded. Exactly the fields of the
// tagged variant are set; the orchestrator matches on Type exhaustively.
type Funding struct {
	Type FundingType `json:"type"`

	// INTERNAL
	DebitConfirmed  bool   `json:"debitConfirmed,omitempty"`
	ConfirmationRef string `json:"confirmationRef,omitempty"`

	// AFT
	ReceiptID string `json:"receiptId,omitempty"`

	// PIS
	PaymentID string `json:"paymentId,omitempty"`

	// AFT and PIS carry a settlement status ("approved" / "executed").
	Status string `json:"status,omitempty"`
}

// DestinationType tags the destination variant. ALIAS is transient: the
// preflight pipeline rewrites it to CARD before dispatch.
type DestinationType string

const (
	DestinationCard    DestinationType = "CARD"
	DestinationAccount DestinationType = "ACCOUNT"
	DestinationWallet  DestinationType = "WALLET"
	DestinationAlias   DestinationType = "ALIAS"
)

// BankAccount identifies an account destination when no pre-registered
// account id is available.
type BankAccount struct {
	AccountNumber string `json:"accountNumber"`
	RoutingNumber string `json:"routingNumber"`
	AccountType   string `json:"accountType,omitempty"`
	CountryCode   string `json:"countryCode,omitempty"`
	Currency      string `json:"currency,omitempty"`
}

type Destination struct {
	Type DestinationType `json:"type"`

	// CARD
	PANToken string `json:"panToken,omitempty"`

	// ACCOUNT: either a registered id or full account details
	AccountID string       `json:"accountId,omitempty"`
	Account   *BankAccount `json:"account,omitempty"`

	// WALLET
	WalletID string `json:"walletId,omitempty"`

	// ALIAS
	Alias     string `json:"alias,omitempty"`
	AliasType string `json:"aliasType,omitempty"`
}

// RailCategory maps the destination to the policy rail category. An alias
// always resolves to a card credential, so it gates as "card".
func (d Destination) RailCategory() string {
	switch d.Type {
	case DestinationAccount:
		return "account"
	case DestinationWallet:
		return "wallet"
	default:
		return "card"
	}
}

// Amount is a minor-unit money value.
type Amount struct {
	Currency string `json:"currency"`
	Minor    int64  `json:"minor"`
}

// FXLock asks preflight to lock a quote for the currency pair.
type FXLock struct {
	SrcCurrency string `json:"srcCurrency"`
	DstCurrency string `json:"dstCurrency"`
	AmountMinor int64  `json:"amountMinor"`
}

// CorridorRef selects the corridor policy rules to gate against. Empty
// currencies are filled from the FX lock and the amount before resolution.
type CorridorRef struct {
	SourceCountry  string `json:"sourceCountry"`
	TargetCountry  string `json:"targetCountry"`
	SourceCurrency string `json:"sourceCurrency,omitempty"`
	TargetCurrency string `json:"targetCurrency,omitempty"`
}

// Preflight carries the optional pre-dispatch gates.
type Preflight struct {
	CompliancePayload map[string]any `json:"compliancePayload,omitempty"`
	FXLock            *FXLock        `json:"fxLock,omitempty"`
	Corridor          *CorridorRef   `json:"corridor,omitempty"`
}

// Request is immutable once handed to the orchestrator.
type Request struct {
	OriginatorID   string      `json:"originatorId"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Funding        Funding     `json:"funding"`
	Destination    Destination `json:"destination"`
	Amount         Amount      `json:"amount"`
	Preflight      Preflight   `json:"preflight"`
}

// Receipt is the raw response object. The SDK observes only payoutId and
// status but callers get the whole thing.
type Receipt map[string]any

func (r Receipt) PayoutID() string {
	id, _ := r["payoutId"].(string)
	return id
}

func (r Receipt) Status() string {
	status, _ := r["status"].(string)
	return status
}
