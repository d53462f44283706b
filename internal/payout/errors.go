package payout

import "errors"

// Guard errors: raised before any network call, never compensated.
var (
	// ErrLedgerNotConfirmed rejects internal funding whose debit was not
	// confirmed or carries no confirmation reference.
	ErrLedgerNotConfirmed = errors.New("internal ledger debit not confirmed")

	// ErrReceiptReused rejects a funding receipt that was already burned,
	// by this or any other orchestrator sharing the store.
	ErrReceiptReused = errors.New("funding receipt already consumed")

	// ErrAFTDeclined rejects an AFT funding leg whose status is not
	// approved. The receipt is burned before this check.
	ErrAFTDeclined = errors.New("AFT funding declined")

	// ErrPISFailed rejects a PIS funding leg whose status is not executed.
	ErrPISFailed = errors.New("PIS funding not executed")
)

// Policy errors.
var (
	// ErrQuoteRequired rejects a cross-currency payout with no locked FX
	// quote, or a lockRequired corridor dispatched without one.
	ErrQuoteRequired = errors.New("FX quote required for this payout")

	// ErrQuoteExpired rejects a quote whose lock deadline has passed.
	ErrQuoteExpired = errors.New("FX quote expired")

	// ErrDestinationNotAllowed rejects a destination the corridor policy
	// forbids, or an alias whose credential is not eligible for push
	// payments.
	ErrDestinationNotAllowed = errors.New("destination not allowed")

	// ErrComplianceDenied rejects a payout whose screening did not approve.
	ErrComplianceDenied = errors.New("compliance screening denied")
)
