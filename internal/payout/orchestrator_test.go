package payout

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa-direct-sdk/internal/events"
	"visa-direct-sdk/internal/policy"
	"visa-direct-sdk/internal/storage"
	"visa-direct-sdk/pkg/logger"
)

func init() {
	_ = logger.Init("development")
}

// fakeTransport routes posts by path and records every dispatch.
type fakeTransport struct {
	mu        sync.Mutex
	posts     []postRecord
	responses map[string]map[string]any
	err       error
}

type postRecord struct {
	path    string
	body    map[string]any
	headers map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: map[string]map[string]any{
		pushFundsPath:     {"payoutId": "p-1", "status": "executed"},
		accountPayoutPath: {"payoutId": "p-2", "status": "executed"},
		walletPayoutPath:  {"payoutId": "p-3", "status": "executed"},
	}}
}

func (f *fakeTransport) Post(ctx context.Context, path string, body any, headers map[string]string) (map[string]any, int, http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := postRecord{path: path, headers: headers}
	if m, ok := body.(map[string]any); ok {
		record.body = m
	}
	f.posts = append(f.posts, record)
	if f.err != nil {
		return nil, 0, nil, f.err
	}
	if resp, ok := f.responses[path]; ok {
		return resp, http.StatusOK, nil, nil
	}
	return map[string]any{}, http.StatusOK, nil, nil
}

func (f *fakeTransport) Get(ctx context.Context, path string, headers map[string]string) (map[string]any, int, http.Header, error) {
	return map[string]any{"payoutId": "p-1", "status": "executed"}, http.StatusOK, nil, nil
}

func (f *fakeTransport) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeTransport) postsTo(path string) []postRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []postRecord
	for _, p := range f.posts {
		if p.path == path {
			out = append(out, p)
		}
	}
	return out
}

// capturingEmitter records compensation events for assertions.
type capturingEmitter struct {
	mu     sync.Mutex
	events []events.CompensationEvent
}

func (e *capturingEmitter) Emit(ctx context.Context, event events.CompensationEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *capturingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	pol, err := policy.Load()
	require.NoError(t, err)
	return pol
}

func newTestOrchestrator(t *testing.T, transport *fakeTransport, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithPolicy(testPolicy(t))}, opts...)
	o, err := NewOrchestrator(transport, opts...)
	require.NoError(t, err)
	return o
}

func internalCardRequest(key string) Request {
	return Request{
		OriginatorID:   "fi-001",
		IdempotencyKey: key,
		Funding:        Funding{Type: FundingInternal, DebitConfirmed: true, ConfirmationRef: "conf-123"},
		Destination:    Destination{Type: DestinationCard, PANToken: "tok_pan_411111******1111"},
		Amount:         Amount{Currency: "USD", Minor: 101},
	}
}

func TestPayout_InternalCardUSD(t *testing.T) {
	transport := newFakeTransport()
	idem := storage.NewMemoryIdempotencyStore()
	o := newTestOrchestrator(t, transport, WithIdempotencyStore(idem))
	ctx := context.Background()

	receipt, err := o.Payout(ctx, internalCardRequest("k1"))
	require.NoError(t, err)
	assert.Equal(t, "p-1", receipt.PayoutID())
	assert.Equal(t, "executed", receipt.Status())

	posts := transport.postsTo(pushFundsPath)
	require.Len(t, posts, 1)
	assert.Equal(t, "k1", posts[0].headers["x-idempotency-key"])
	assert.Equal(t, "fi-001", posts[0].body["originatorId"])

	stored, err := idem.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", stored["payoutId"])
}

func TestPayout_LedgerNotConfirmed(t *testing.T) {
	transport := newFakeTransport()
	emitter := &capturingEmitter{}
	o := newTestOrchestrator(t, transport, WithEmitter(emitter))

	req := internalCardRequest("k1")
	req.Funding.DebitConfirmed = false

	_, err := o.Payout(context.Background(), req)
	assert.ErrorIs(t, err, ErrLedgerNotConfirmed)
	assert.Equal(t, 0, transport.postCount(), "guard failures never reach the wire")
	assert.Equal(t, 0, emitter.count(), "guard failures are not compensated")
}

func TestPayout_CrossBorderWithoutLock(t *testing.T) {
	transport := newFakeTransport()
	o := newTestOrchestrator(t, transport)

	req := internalCardRequest("k1")
	req.Amount = Amount{Currency: "GBP", Minor: 2500}
	req.Preflight.Corridor = &CorridorRef{SourceCountry: "GB", TargetCountry: "PH"}

	_, err := o.Payout(context.Background(), req)
	assert.ErrorIs(t, err, ErrQuoteRequired)
	assert.Equal(t, 0, transport.postCount())
}

func TestPayout_ExpiredQuote(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["/forexrates/v1/lock"] = map[string]any{
		"quoteId":   "Q-stale",
		"expiresAt": time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
	}
	emitter := &capturingEmitter{}
	o := newTestOrchestrator(t, transport, WithEmitter(emitter))

	req := internalCardRequest("k4")
	req.Amount = Amount{Currency: "GBP", Minor: 100000}
	req.Preflight.FXLock = &FXLock{SrcCurrency: "GBP", DstCurrency: "PHP", AmountMinor: 100000}

	_, err := o.Payout(context.Background(), req)
	assert.ErrorIs(t, err, ErrQuoteExpired)
	assert.Empty(t, transport.postsTo(pushFundsPath))
	assert.Equal(t, 1, emitter.count())
}

func TestPayout_ReceiptReuseAcrossOrchestrators(t *testing.T) {
	receipts := storage.NewMemoryReceiptStore()
	transportA := newFakeTransport()
	transportB := newFakeTransport()
	first := newTestOrchestrator(t, transportA, WithReceiptStore(receipts))
	second := newTestOrchestrator(t, transportB, WithReceiptStore(receipts))
	ctx := context.Background()

	reqA := internalCardRequest("k2")
	reqA.Funding = Funding{Type: FundingAFT, ReceiptID: "r-1", Status: "approved"}
	reqB := internalCardRequest("k3")
	reqB.Funding = Funding{Type: FundingAFT, ReceiptID: "r-1", Status: "approved"}

	_, err := first.Payout(ctx, reqA)
	require.NoError(t, err)
	assert.Equal(t, 1, transportA.postCount())

	_, err = second.Payout(ctx, reqB)
	assert.ErrorIs(t, err, ErrReceiptReused)
	assert.Equal(t, 0, transportB.postCount())
}

func TestPayout_DeclinedAFTStillBurnsReceipt(t *testing.T) {
	receipts := storage.NewMemoryReceiptStore()
	transport := newFakeTransport()
	o := newTestOrchestrator(t, transport, WithReceiptStore(receipts))
	ctx := context.Background()

	req := internalCardRequest("k1")
	req.Funding = Funding{Type: FundingAFT, ReceiptID: "r-declined", Status: "declined"}

	_, err := o.Payout(ctx, req)
	assert.ErrorIs(t, err, ErrAFTDeclined)

	// A retry cannot hope for a different outcome: the receipt is gone.
	req.IdempotencyKey = "k2"
	req.Funding.Status = "approved"
	_, err = o.Payout(ctx, req)
	assert.ErrorIs(t, err, ErrReceiptReused)
}

func TestPayout_PISRequiresExecuted(t *testing.T) {
	transport := newFakeTransport()
	o := newTestOrchestrator(t, transport)

	req := internalCardRequest("k1")
	req.Funding = Funding{Type: FundingPIS, PaymentID: "pay-1", Status: "pending"}

	_, err := o.Payout(context.Background(), req)
	assert.ErrorIs(t, err, ErrPISFailed)
	assert.Equal(t, 0, transport.postCount())
}

func TestPayout_IdempotentReplay(t *testing.T) {
	transport := newFakeTransport()
	o := newTestOrchestrator(t, transport)
	ctx := context.Background()

	first, err := o.Payout(ctx, internalCardRequest("k1"))
	require.NoError(t, err)

	// A differing request under the same key still returns the first result.
	changed := internalCardRequest("k1")
	changed.Amount.Minor = 999
	second, err := o.Payout(ctx, changed)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, transport.postCount(), "replay must not dispatch again")
}

func TestPayout_ConcurrentSameKey(t *testing.T) {
	transport := newFakeTransport()
	o := newTestOrchestrator(t, transport)
	ctx := context.Background()

	const callers = 16
	results := make([]Receipt, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Payout(ctx, internalCardRequest("k-conc"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i], "all callers must observe the same stored receipt")
	}
}

func TestPayout_AliasResolutionRewritesDestination(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["/visaaliasdirectory/v1/resolve"] = map[string]any{
		"panToken": "tok_resolved", "credentialType": "CARD",
	}
	transport.responses["/pav/v1/card/validation"] = map[string]any{"cardStatus": "active"}
	transport.responses["/paai/v1/fundstransfer/attributes/inquiry"] = map[string]any{"octEligible": true}
	o := newTestOrchestrator(t, transport)

	req := internalCardRequest("k1")
	req.Destination = Destination{Type: DestinationAlias, Alias: "dev@example.com", AliasType: "EMAIL"}

	receipt, err := o.Payout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "p-1", receipt.PayoutID())

	posts := transport.postsTo(pushFundsPath)
	require.Len(t, posts, 1)
	destination, ok := posts[0].body["destination"].(Destination)
	require.True(t, ok)
	assert.Equal(t, DestinationCard, destination.Type)
	assert.Equal(t, "tok_resolved", destination.PANToken)
}

func TestPayout_AliasNotEligible(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["/visaaliasdirectory/v1/resolve"] = map[string]any{"panToken": "tok_resolved"}
	transport.responses["/pav/v1/card/validation"] = map[string]any{"cardStatus": "active"}
	transport.responses["/paai/v1/fundstransfer/attributes/inquiry"] = map[string]any{"octEligible": false}
	emitter := &capturingEmitter{}
	o := newTestOrchestrator(t, transport, WithEmitter(emitter))

	req := internalCardRequest("k1")
	req.Destination = Destination{Type: DestinationAlias, Alias: "dev@example.com", AliasType: "EMAIL"}

	_, err := o.Payout(context.Background(), req)
	assert.ErrorIs(t, err, ErrDestinationNotAllowed)
	assert.Empty(t, transport.postsTo(pushFundsPath))
	require.Equal(t, 1, emitter.count())
	assert.Equal(t, "DestinationNotAllowed", emitter.events[0].Reason)
}

type denyingScreener struct{}

func (denyingScreener) Screen(ctx context.Context, payload map[string]any) (bool, error) {
	return false, nil
}

func TestPayout_ComplianceDenied(t *testing.T) {
	transport := newFakeTransport()
	emitter := &capturingEmitter{}
	o := newTestOrchestrator(t, transport, WithEmitter(emitter), WithScreener(denyingScreener{}))

	req := internalCardRequest("k1")
	req.Preflight.CompliancePayload = map[string]any{"sender": map[string]any{"name": "A"}}

	_, err := o.Payout(context.Background(), req)
	assert.ErrorIs(t, err, ErrComplianceDenied)
	assert.Equal(t, 0, transport.postCount())
	assert.Equal(t, 1, emitter.count())
}

func TestPayout_QuoteIDCarriedInBody(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["/forexrates/v1/lock"] = map[string]any{
		"quoteId":   "Q-1",
		"expiresAt": time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339),
	}
	o := newTestOrchestrator(t, transport)

	req := internalCardRequest("k1")
	req.Amount = Amount{Currency: "GBP", Minor: 100000}
	req.Preflight.FXLock = &FXLock{SrcCurrency: "GBP", DstCurrency: "PHP", AmountMinor: 100000}
	req.Preflight.Corridor = &CorridorRef{SourceCountry: "GB", TargetCountry: "PH", TargetCurrency: "PHP"}

	_, err := o.Payout(context.Background(), req)
	require.NoError(t, err)

	posts := transport.postsTo(pushFundsPath)
	require.Len(t, posts, 1)
	assert.Equal(t, "Q-1", posts[0].body["fxQuoteId"])
}

func TestPayout_CorridorForbidsWallet(t *testing.T) {
	transport := newFakeTransport()
	transport.responses["/forexrates/v1/lock"] = map[string]any{
		"quoteId":   "Q-1",
		"expiresAt": time.Now().Add(10 * time.Minute).UTC().Format(time.RFC3339),
	}
	o := newTestOrchestrator(t, transport)

	// The GB->PH wildcard corridor allows cards only.
	req := internalCardRequest("k1")
	req.Destination = Destination{Type: DestinationWallet, WalletID: "w-1"}
	req.Amount = Amount{Currency: "GBP", Minor: 100000}
	req.Preflight.FXLock = &FXLock{SrcCurrency: "GBP", DstCurrency: "USD", AmountMinor: 100000}
	req.Preflight.Corridor = &CorridorRef{SourceCountry: "GB", TargetCountry: "PH", TargetCurrency: "USD"}

	_, err := o.Payout(context.Background(), req)
	assert.ErrorIs(t, err, ErrDestinationNotAllowed)
}

func TestPayout_TransportFailureEmitsCompensation(t *testing.T) {
	transport := newFakeTransport()
	transport.err = assert.AnError
	emitter := &capturingEmitter{}
	idem := storage.NewMemoryIdempotencyStore()
	o := newTestOrchestrator(t, transport, WithEmitter(emitter), WithIdempotencyStore(idem))
	ctx := context.Background()

	_, err := o.Payout(ctx, internalCardRequest("k1"))
	assert.ErrorIs(t, err, assert.AnError)

	require.Equal(t, 1, emitter.count())
	event := emitter.events[0]
	assert.Equal(t, events.EventPayoutFailed, event.Event)
	assert.Equal(t, "k1", event.SagaID)
	assert.Equal(t, "NetworkError", event.Reason)
	assert.NoError(t, event.Validate())

	// A failed call leaves no cached result: retries re-run the pipeline.
	stored, err := idem.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestPayout_DispatchPaths(t *testing.T) {
	tests := []struct {
		name        string
		destination Destination
		wantPath    string
	}{
		{"card", Destination{Type: DestinationCard, PANToken: "tok_1"}, pushFundsPath},
		{"account", Destination{Type: DestinationAccount, AccountID: "acct-1"}, accountPayoutPath},
		{"wallet", Destination{Type: DestinationWallet, WalletID: "w-1"}, walletPayoutPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newFakeTransport()
			o := newTestOrchestrator(t, transport)

			req := internalCardRequest("k-" + tt.name)
			req.Destination = tt.destination

			_, err := o.Payout(context.Background(), req)
			require.NoError(t, err)
			assert.Len(t, transport.postsTo(tt.wantPath), 1)
		})
	}
}

func TestGetStatus(t *testing.T) {
	transport := newFakeTransport()
	o := newTestOrchestrator(t, transport)

	receipt, err := o.GetStatus(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", receipt.PayoutID())
}
