package purchase

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kostush/purchase-gateway-sub010/cascade"
)

func newTestProcess(t *testing.T, billers ...string) *Process {
	t.Helper()
	p, err := New(InitParams{
		SessionID: uuid.New(),
		SiteID:    "site-1",
		Billing:   BillingContext{Country: " ca ", PaymentType: "cc", Currency: "USD"},
		MainItem: &InitializedItem{
			ItemID: "main",
			SiteID: "site-1",
			ChargeInformation: ChargeInformation{
				Amount:   decimal.RequireFromString("29.99"),
				Currency: "USD",
			},
		},
		CrossSales:  []*InitializedItem{{ItemID: "xsell", SiteID: "site-2"}},
		RedirectURL: "https://merchant.example/return",
	})
	require.NoError(t, err)
	bs := make([]cascade.Biller, 0, len(billers))
	for _, b := range billers {
		bs = append(bs, cascade.NewBiller(b))
	}
	p.SetCascade(cascade.New(bs...))
	return p
}

func TestNewProcess(t *testing.T) {
	p := newTestProcess(t, "rocketgate")
	assert.Equal(t, StateCreated, p.State())
	assert.Zero(t, p.GatewaySubmitNumber())
	assert.Equal(t, "CA", p.Billing().Country)
	assert.True(t, p.Items().CrossSales()[0].IsCrossSale)
	assert.Equal(t, "default", p.FraudAdvice().Source)

	_, err := New(InitParams{MainItem: &InitializedItem{ItemID: "x"}})
	assert.ErrorIs(t, err, ErrMissingSession)
	_, err = New(InitParams{SessionID: uuid.New()})
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestLifecycleMethodsUseTransitionTable(t *testing.T) {
	p := newTestProcess(t, "rocketgate")
	require.NoError(t, p.Validate())
	require.NoError(t, p.StartProcessing())
	require.NoError(t, p.StartProcessing())
	require.NoError(t, p.FinishProcessing())
	require.NoError(t, p.FinishProcessing())
	assert.True(t, p.IsProcessed())

	err := p.Validate()
	assert.ErrorIs(t, err, ErrIllegalStateTransition)
	assert.Equal(t, StateProcessed, p.State())
}

func TestThreeDPathsFromPending(t *testing.T) {
	lookup := newTestProcess(t, "rocketgate")
	require.NoError(t, lookup.Validate())
	require.NoError(t, lookup.StartPending())
	require.NoError(t, lookup.PerformThreeDLookup())
	require.NoError(t, lookup.FinishProcessing())
	assert.True(t, lookup.IsProcessed())

	authenticated := newTestProcess(t, "rocketgate")
	require.NoError(t, authenticated.Validate())
	require.NoError(t, authenticated.StartPending())
	require.NoError(t, authenticated.AuthenticateThreeD())
	assert.ErrorIs(t, authenticated.FinishProcessing(), ErrIllegalStateTransition)
	assert.Equal(t, StateThreeDAuthenticated, authenticated.State())
}

func TestCascadeExhaustsExactlyAfterLastDecline(t *testing.T) {
	for n := 1; n <= 4; n++ {
		billers := []string{"rocketgate", "netbilling", "epoch", "qysso"}[:n]
		p := newTestProcess(t, billers...)
		require.NoError(t, p.Validate())

		for i := 1; i <= n; i++ {
			biller, ok := p.CurrentBiller()
			require.True(t, ok)
			assert.Equal(t, billers[i-1], biller.Name)
			require.NoError(t, p.StartProcessing())
			require.NoError(t, p.RecordAttempt("main", Transaction{TransactionID: uuid.NewString(), State: TransactionDeclined, BillerName: biller.Name}))
			require.NoError(t, p.RecordDeclinedAttempt())
			if i < n {
				assert.Equal(t, StateValid, p.State(), "after decline %d of %d", i, n)
			}
			assert.Equal(t, i, p.GatewaySubmitNumber())
		}
		assert.Equal(t, StateCascadeBillersExhausted, p.State())
		_, ok := p.CurrentBiller()
		assert.False(t, ok)
		assert.True(t, p.HasFailedTransactions())
		require.NoError(t, p.FinishProcessing())
		assert.Equal(t, StateCascadeBillersExhausted, p.State())
	}
}

func TestRecordDeclinedAttemptFromPendingFails(t *testing.T) {
	p := newTestProcess(t, "rocketgate", "netbilling")
	require.NoError(t, p.Validate())
	require.NoError(t, p.StartPending())
	err := p.RecordDeclinedAttempt()
	assert.ErrorIs(t, err, ErrIllegalStateTransition)
	assert.Zero(t, p.GatewaySubmitNumber())
	assert.Equal(t, 0, p.Cascade().Position())
}

func TestIncrementGatewaySubmitNumberIfValid(t *testing.T) {
	p := newTestProcess(t, "rocketgate")
	assert.False(t, p.IncrementGatewaySubmitNumberIfValid())
	require.NoError(t, p.Validate())
	assert.True(t, p.IncrementGatewaySubmitNumberIfValid())
	assert.Equal(t, 1, p.GatewaySubmitNumber())
}

func TestDerivedFlags(t *testing.T) {
	p := newTestProcess(t, "rocketgate")
	assert.False(t, p.CheckForDeclinedAndNsfTransaction())
	require.NoError(t, p.RecordAttempt("main", Transaction{TransactionID: "t1", State: TransactionDeclined, IsNSF: true}))
	assert.True(t, p.CheckForDeclinedAndNsfTransaction())
	assert.False(t, p.WasMainItemPurchaseSuccessful())

	require.NoError(t, p.RecordAttempt("main", Transaction{TransactionID: "t2", State: TransactionPending}))
	require.NoError(t, p.UpdateTransactionState("main", TransactionApproved))
	assert.True(t, p.WasMainItemPurchaseSuccessful())
	assert.Equal(t, "t2", p.MainItem().LastTransactionID())

	item, ok := p.FindTransaction("t1")
	require.True(t, ok)
	assert.Equal(t, "main", item.ItemID)

	assert.ErrorIs(t, p.RecordAttempt("missing", Transaction{}), ErrItemNotFound)
	assert.ErrorIs(t, p.UpdateTransactionState("xsell", TransactionApproved), ErrNoTransaction)

	p.SetFraudAdvice(FraudAdvice{BlacklistedOnProcess: true})
	assert.True(t, p.IsBlacklistedOnProcess())
}

func TestSelectCrossSales(t *testing.T) {
	p := newTestProcess(t, "rocketgate")
	require.NoError(t, p.SelectCrossSales("xsell"))
	assert.Len(t, p.Items().SelectedCrossSales(), 1)
	assert.ErrorIs(t, p.SelectCrossSales("main"), ErrItemNotFound)
}

func TestEventsClearedOnPersist(t *testing.T) {
	p := newTestProcess(t, "rocketgate")
	p.Record(DomainEvent{Type: "PurchaseProcessed", Version: 4})
	events := p.PendingEvents()
	require.Len(t, events, 1)
	assert.NotEqual(t, uuid.Nil, events[0].ID)
	assert.False(t, events[0].OccurredOn.IsZero())

	p.MarkPersisted(3)
	assert.Empty(t, p.PendingEvents())
	assert.EqualValues(t, 3, p.Revision())
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := newTestProcess(t, "rocketgate", "netbilling")
	require.NoError(t, p.Validate())
	require.NoError(t, p.StartPending())
	p.SetThreeD(ThreeD{Version: 2, StepUpJWT: "jwt", MD: "md"})
	require.NoError(t, p.RecordAttempt("main", Transaction{TransactionID: "t1", State: TransactionPending, BillerName: "rocketgate"}))
	p.AttachPurchase("purchase-1", "member-1")

	raw, err := json.Marshal(p.Snapshot())
	require.NoError(t, err)

	var s Snapshot
	require.NoError(t, json.Unmarshal(raw, &s))
	restored, err := FromSnapshot(s)
	require.NoError(t, err)

	assert.Equal(t, StatePending, restored.State())
	assert.Equal(t, p.SessionID(), restored.SessionID())
	assert.Equal(t, "jwt", restored.ThreeD().StepUpJWT)
	assert.Equal(t, "t1", restored.MainItem().LastTransactionID())
	assert.Equal(t, 2, restored.Cascade().Len())
	assert.Equal(t, "purchase-1", restored.PurchaseID())
	assert.True(t, restored.MainItem().ChargeInformation.Amount.Equal(decimal.RequireFromString("29.99")))
}
