package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kostush/purchase-gateway-sub010/cascade"
	"github.com/kostush/purchase-gateway-sub010/events"
	"github.com/kostush/purchase-gateway-sub010/purchase"
)

func pendingThreeD(version int) func(TransactionRequest) (TransactionResult, error) {
	return func(TransactionRequest) (TransactionResult, error) {
		td := &purchase.ThreeD{Version: version, AcsURL: "https://acs", Pareq: "pareq", MD: "md"}
		if version == 2 {
			td = &purchase.ThreeD{Version: 2, DeviceCollectURL: "https://ddc", DeviceCollectJWT: "jwt"}
		}
		return TransactionResult{TransactionID: "tx-3ds", Status: StatusPending, ThreeD: td}, nil
	}
}

func TestHandlersRejectForeignCommands(t *testing.T) {
	h := newHarness(t)
	handlers := map[string]interface {
		Execute(context.Context, any) (Result, error)
	}{
		"init":       NewInitHandler(h.deps),
		"process":    NewProcessHandler(h.deps),
		"lookup":     NewLookupThreeDHandler(h.deps),
		"complete":   NewCompleteThreeDHandler(h.deps),
		"simplified": NewSimplifiedCompleteThreeDHandler(h.deps),
		"return":     NewThirdPartyReturnHandler(h.deps),
		"postback":   NewThirdPartyPostbackHandler(h.deps),
	}
	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			_, err := handler.Execute(context.Background(), struct{}{})
			assert.ErrorIs(t, err, ErrInvalidCommand)
		})
	}
}

func TestInitValidatesSession(t *testing.T) {
	h := newHarness(t, cascade.BillerRocketgate, cascade.BillerNetbilling)
	id := h.init(t)

	p := h.load(t, id)
	assert.Equal(t, purchase.StateValid, p.State())
	assert.Equal(t, "USD", p.Billing().Currency)
	assert.Equal(t, "CA", p.Billing().Country)
	assert.Len(t, p.Items().CrossSales(), 1)
	assert.Equal(t, 2, p.Cascade().Len())
	assert.EqualValues(t, 1, h.bi.calls.Load(), "BI failures must not fail init")
}

func TestInitUnknownSite(t *testing.T) {
	h := newHarness(t)
	_, err := NewInitHandler(h.deps).Execute(context.Background(), InitCommand{
		SiteID: "missing", Currency: "USD", PaymentType: "cc", Main: Charge{BundleID: "b"},
	})
	assert.ErrorIs(t, err, ErrSiteNotFound)
}

func TestInitBlocksOnCaptcha(t *testing.T) {
	h := newHarness(t)
	s := h.deps.Sites.(fakeSites)[testSiteID]
	s.FraudEnabled = true
	h.deps.Fraud = fakeFraud{advice: purchase.FraudAdvice{Captcha: true}}

	res, err := NewInitHandler(h.deps).Execute(context.Background(), InitCommand{
		SiteID: testSiteID, Currency: "USD", PaymentType: "cc", Main: Charge{BundleID: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "blockedduetofraudadvice", res.State)
	assert.True(t, res.FraudCaptcha)
	assert.Equal(t, ActionRenderGateway, res.NextAction.Type)

	_, err = h.process(t, res.SessionID)
	assert.ErrorIs(t, err, ErrBlockedDueToFraudAdvice)

	h.deps.Fraud = fakeFraud{advice: purchase.FraudAdvice{}}
	out, err := NewProcessHandler(h.deps).Execute(context.Background(), ProcessCommand{
		SessionID:        res.SessionID,
		Payment:          purchase.PaymentInfo{PaymentType: "cc", CCNumber: "4111111111111111"},
		CaptchaValidated: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "processed", out.State)
	assert.True(t, h.load(t, res.SessionID).FraudAdvice().CaptchaValidated)
}

func TestProcessApprovedFinalizesPurchase(t *testing.T) {
	h := newHarness(t)
	id := h.init(t)
	crossSale := h.load(t, id).Items().CrossSales()[0].ItemID

	res, err := NewProcessHandler(h.deps).Execute(context.Background(), ProcessCommand{
		SessionID:          id,
		Payment:            purchase.PaymentInfo{PaymentType: "cc", CCNumber: "4111111111111111", CVV: "123"},
		SelectedCrossSales: []string{crossSale},
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "processed", res.State)
	assert.Equal(t, ActionFinishProcess, res.NextAction.Type)
	assert.Equal(t, "https://x", res.NextAction.RedirectURL)
	assert.NotEmpty(t, res.PurchaseID)
	require.Len(t, res.Items, 2)
	assert.True(t, res.Items[1].Success)

	attempts, _, _ := h.tx.counts()
	assert.Equal(t, 2, attempts)
	assert.Len(t, h.sessions.eventsOfType(events.TypePurchaseProcessed), 1)
	require.Equal(t, 1, h.postbacks.count())
	assert.Equal(t, "https://merchant/postback", h.postbacks.urls[0])

	p := h.load(t, id)
	assert.Equal(t, res.PurchaseID, p.PurchaseID())
	assert.Equal(t, "4111111111111111", p.Payment().CCNumber)

	_, err = h.process(t, id)
	assert.ErrorIs(t, err, ErrSessionAlreadyProcessed)
}

func TestProcessCascadeExhaustion(t *testing.T) {
	h := newHarness(t, cascade.BillerRocketgate, cascade.BillerNetbilling)
	h.tx.attempt = func(TransactionRequest) (TransactionResult, error) {
		return TransactionResult{TransactionID: uuid.NewString(), Status: StatusDeclined, IsNSF: true}, nil
	}
	id := h.init(t)

	res, err := h.process(t, id)
	require.NoError(t, err)
	assert.Equal(t, "valid", res.State)
	assert.Equal(t, 1, res.GatewaySubmitNumber)
	assert.True(t, res.IsNSF)
	assert.Equal(t, ActionRenderGateway, res.NextAction.Type)

	res, err = h.process(t, id)
	require.NoError(t, err)
	assert.Equal(t, "cascadebillersexhausted", res.State)
	assert.Equal(t, 2, res.GatewaySubmitNumber)
	assert.Equal(t, ActionFinishProcess, res.NextAction.Type)
	assert.Equal(t, "https://x", res.NextAction.RedirectURL)

	_, err = h.process(t, id)
	assert.ErrorIs(t, err, ErrSessionAlreadyProcessed)

	billers := []string{h.tx.attempts[0].Biller.Name, h.tx.attempts[1].Biller.Name}
	assert.Equal(t, []string{cascade.BillerRocketgate, cascade.BillerNetbilling}, billers)
	assert.Empty(t, h.sessions.eventsOfType(events.TypePurchaseProcessed))
}

func TestProcessServiceFailureAdvancesCascade(t *testing.T) {
	h := newHarness(t, cascade.BillerRocketgate, cascade.BillerNetbilling)
	calls := 0
	h.tx.attempt = func(TransactionRequest) (TransactionResult, error) {
		calls++
		if calls == 1 {
			return TransactionResult{}, errors.New("timeout")
		}
		return TransactionResult{TransactionID: "tx-2", Status: StatusApproved}, nil
	}
	id := h.init(t)

	res, err := h.process(t, id)
	require.NoError(t, err)
	assert.Equal(t, "valid", res.State)

	res, err = h.process(t, id)
	require.NoError(t, err)
	assert.Equal(t, "processed", res.State)

	txs := h.load(t, id).MainItem().Transactions
	require.Len(t, txs, 2)
	assert.Equal(t, purchase.TransactionAborted, txs[0].State)
	assert.Equal(t, purchase.TransactionApproved, txs[1].State)
	assert.True(t, h.load(t, id).HasFailedTransactions())
}

func TestProcessBlacklistedOnProcess(t *testing.T) {
	h := newHarness(t)
	id := h.init(t)
	s := h.deps.Sites.(fakeSites)[testSiteID]
	s.FraudEnabled = true
	h.deps.Fraud = fakeFraud{advice: purchase.FraudAdvice{BlacklistedOnProcess: true}}

	_, err := h.process(t, id)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeBlockedDueToFraudAdvice, cerr.Code)
	assert.Equal(t, ActionRestartProcess, cerr.NextAction.Type)
	assert.Equal(t, purchase.StateBlockedDueToFraudAdvice, h.load(t, id).State())

	attempts, _, _ := h.tx.counts()
	assert.Zero(t, attempts)
}

func TestProcessUnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.process(t, uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCompleteThreeDMissingParesAndMD(t *testing.T) {
	h := newHarness(t)
	h.tx.attempt = pendingThreeD(1)
	id := h.init(t)
	res, err := h.process(t, id)
	require.NoError(t, err)
	assert.Equal(t, ActionAuthenticate3D, res.NextAction.Type)
	assert.Equal(t, "https://acs", res.NextAction.ThreeD.AcsURL)

	_, err = NewCompleteThreeDHandler(h.deps).Execute(context.Background(), CompleteThreeDCommand{SessionID: id})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrMissingParesAndMD)
	require.NotNil(t, cerr.NextAction)
	assert.Equal(t, ActionRenderGateway, cerr.NextAction.Type)
	assert.Equal(t, "https://x", cerr.NextAction.RedirectURL)
	assert.Equal(t, purchase.StatePending, h.load(t, id).State())
}

func TestCompleteThreeDMissingRedirectURL(t *testing.T) {
	h := newHarness(t)
	h.tx.attempt = pendingThreeD(1)
	id := h.init(t, func(c *InitCommand) { c.RedirectURL = "" })
	_, err := h.process(t, id)
	require.NoError(t, err)

	_, err = NewCompleteThreeDHandler(h.deps).Execute(context.Background(), CompleteThreeDCommand{SessionID: id, Pares: "p", MD: "m"})
	assert.ErrorIs(t, err, ErrMissingRedirectURL)
}

func TestCompleteThreeDReplaysDuplicateCall(t *testing.T) {
	h := newHarness(t)
	h.tx.attempt = pendingThreeD(1)
	id := h.init(t)
	_, err := h.process(t, id)
	require.NoError(t, err)

	handler := NewCompleteThreeDHandler(h.deps)
	cmd := CompleteThreeDCommand{SessionID: id, Pares: "pares", MD: "md"}
	first, err := handler.Execute(context.Background(), cmd)
	require.NoError(t, err)
	second, err := handler.Execute(context.Background(), cmd)
	require.NoError(t, err)

	_, completes, _ := h.tx.counts()
	assert.Equal(t, 1, completes)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	first.Replayed = false
	second.Replayed = false
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.postbacks.count())
}

func TestCompleteThreeDConcurrentCallWaitsForWinner(t *testing.T) {
	h := newHarness(t)
	h.tx.attempt = pendingThreeD(1)
	id := h.init(t)
	_, err := h.process(t, id)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.tx.complete = func(req CompleteRequest) (TransactionResult, error) {
		close(entered)
		<-release
		return TransactionResult{TransactionID: req.TransactionID, Status: StatusApproved}, nil
	}

	handler := NewCompleteThreeDHandler(h.deps)
	cmd := CompleteThreeDCommand{SessionID: id, Pares: "pares", MD: "md"}

	var wg sync.WaitGroup
	var first, second Result
	var firstErr, secondErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		first, firstErr = handler.Execute(context.Background(), cmd)
	}()
	<-entered
	go func() {
		defer wg.Done()
		second, secondErr = handler.Execute(context.Background(), cmd)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	_, completes, _ := h.tx.counts()
	assert.Equal(t, 1, completes)
	assert.Equal(t, "processed", first.State)
	assert.Equal(t, "processed", second.State)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.PurchaseID, second.PurchaseID)
}

func TestCompleteThreeDDeclinedFromPendingIsTerminal(t *testing.T) {
	h := newHarness(t, cascade.BillerRocketgate, cascade.BillerNetbilling)
	h.tx.attempt = pendingThreeD(1)
	h.tx.complete = func(req CompleteRequest) (TransactionResult, error) {
		return TransactionResult{TransactionID: req.TransactionID, Status: StatusDeclined}, nil
	}
	id := h.init(t)
	_, err := h.process(t, id)
	require.NoError(t, err)

	res, err := NewCompleteThreeDHandler(h.deps).Execute(context.Background(), CompleteThreeDCommand{SessionID: id, Pares: "p"})
	require.NoError(t, err)
	assert.Equal(t, "processed", res.State)
	assert.False(t, res.Success)
	assert.Empty(t, res.PurchaseID)
	assert.True(t, res.HasFailedTx)
	assert.Len(t, h.sessions.eventsOfType(events.TypePurchaseProcessed), 1)
}

func TestCompleteThreeDServiceFailureKeepsPending(t *testing.T) {
	h := newHarness(t)
	h.tx.attempt = pendingThreeD(1)
	h.tx.complete = func(CompleteRequest) (TransactionResult, error) {
		return TransactionResult{}, errors.New("unavailable")
	}
	id := h.init(t)
	_, err := h.process(t, id)
	require.NoError(t, err)

	_, err = NewCompleteThreeDHandler(h.deps).Execute(context.Background(), CompleteThreeDCommand{SessionID: id, Pares: "p"})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeDependencyFailure, cerr.Code)
	assert.Equal(t, purchase.StatePending, h.load(t, id).State())

	h.tx.complete = nil
	res, err := NewCompleteThreeDHandler(h.deps).Execute(context.Background(), CompleteThreeDCommand{SessionID: id, Pares: "p"})
	require.NoError(t, err)
	assert.Equal(t, "processed", res.State)
}

func TestLookupFrictionlessApproval(t *testing.T) {
	h := newHarness(t)
	h.tx.attempt = pendingThreeD(2)
	h.tx.lookup = func(LookupRequest) (TransactionResult, error) {
		return TransactionResult{Status: StatusApproved}, nil
	}
	id := h.init(t)
	res, err := h.process(t, id)
	require.NoError(t, err)
	assert.Equal(t, ActionDeviceDetect3D, res.NextAction.Type)

	res, err = NewLookupThreeDHandler(h.deps).Execute(context.Background(), LookupThreeDCommand{SessionID: id, DeviceFingerprintID: "fp"})
	require.NoError(t, err)
	assert.Equal(t, "processed", res.State)
	assert.True(t, res.Success)
	assert.True(t, h.load(t, id).ThreeD().FrictionlessCheck)
	assert.False(t, res.HasFailedTx)
}

func TestLookupChallengeThenSimplifiedDecline(t *testing.T) {
	h := newHarness(t)
	h.tx.attempt = pendingThreeD(2)
	h.tx.lookup = func(LookupRequest) (TransactionResult, error) {
		return TransactionResult{Status: StatusPending, ThreeD: &purchase.ThreeD{Version: 2, StepUpURL: "https://stepup", StepUpJWT: "jwt"}}, nil
	}
	h.tx.complete = func(req CompleteRequest) (TransactionResult, error) {
		return TransactionResult{TransactionID: req.TransactionID, Status: StatusDeclined}, nil
	}
	id := h.init(t)
	_, err := h.process(t, id)
	require.NoError(t, err)

	res, err := NewLookupThreeDHandler(h.deps).Execute(context.Background(), LookupThreeDCommand{SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, "threedlookupperformed", res.State)
	assert.Equal(t, ActionAuthenticate3D, res.NextAction.Type)
	assert.Equal(t, "https://stepup", res.NextAction.ThreeD.StepUpURL)

	_, err = NewSimplifiedCompleteThreeDHandler(h.deps).Execute(context.Background(), SimplifiedCompleteThreeDCommand{SessionID: id})
	assert.ErrorIs(t, err, ErrMissingThreeDParameters)

	res, err = NewSimplifiedCompleteThreeDHandler(h.deps).Execute(context.Background(), SimplifiedCompleteThreeDCommand{SessionID: id, QueryString: "cres=abc"})
	require.NoError(t, err)
	assert.Equal(t, "cascadebillersexhausted", res.State)
	assert.Equal(t, 1, res.GatewaySubmitNumber)
}

func redirectingBiller(TransactionRequest) (TransactionResult, error) {
	return TransactionResult{TransactionID: "tx-epoch", Status: StatusPending, RedirectURL: "https://epoch/pay"}, nil
}

func TestSimplifiedCompleteThreeDReplaysDuplicateCall(t *testing.T) {
	h := newHarness(t)
	h.tx.attempt = pendingThreeD(2)
	h.tx.lookup = func(LookupRequest) (TransactionResult, error) {
		return TransactionResult{Status: StatusPending, ThreeD: &purchase.ThreeD{Version: 2, StepUpURL: "https://stepup", StepUpJWT: "jwt"}}, nil
	}
	id := h.init(t)
	_, err := h.process(t, id)
	require.NoError(t, err)
	_, err = NewLookupThreeDHandler(h.deps).Execute(context.Background(), LookupThreeDCommand{SessionID: id})
	require.NoError(t, err)

	handler := NewSimplifiedCompleteThreeDHandler(h.deps)
	cmd := SimplifiedCompleteThreeDCommand{SessionID: id, QueryString: "cres=abc"}
	first, err := handler.Execute(context.Background(), cmd)
	require.NoError(t, err)
	second, err := handler.Execute(context.Background(), cmd)
	require.NoError(t, err)

	_, completes, _ := h.tx.counts()
	assert.Equal(t, 1, completes)
	assert.Equal(t, "processed", first.State)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	first.Replayed = false
	second.Replayed = false
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.postbacks.count())
}

func TestThirdPartyRedirectAndPostback(t *testing.T) {
	h := newHarness(t, cascade.BillerEpoch)
	h.tx.attempt = redirectingBiller
	id := h.init(t)

	res, err := h.process(t, id)
	require.NoError(t, err)
	assert.Equal(t, "redirected", res.State)
	assert.Equal(t, ActionRedirectToURL, res.NextAction.Type)
	assert.Equal(t, "https://epoch/pay", res.NextAction.RedirectURL)
	assert.Equal(t, "https://gw/return/"+id.String(), h.tx.attempts[0].ReturnURL)

	res, err = NewThirdPartyPostbackHandler(h.deps).Execute(context.Background(), ThirdPartyPostbackCommand{
		SessionID: id, Payload: map[string]string{"transactionId": "tx-epoch", "ans": "Y"},
	})
	require.NoError(t, err)
	assert.Equal(t, "processed", res.State)
	assert.True(t, res.Success)

	again, err := NewThirdPartyReturnHandler(h.deps).Execute(context.Background(), ThirdPartyReturnCommand{SessionID: id})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.PurchaseID, again.PurchaseID)

	_, _, interactions := h.tx.counts()
	assert.Equal(t, 1, interactions)
}

func TestThirdPartyReturnLosesRaceToPostback(t *testing.T) {
	h := newHarness(t, cascade.BillerEpoch)
	h.tx.attempt = redirectingBiller
	id := h.init(t)
	_, err := h.process(t, id)
	require.NoError(t, err)

	var postback Result
	h.tx.retrieve = func(txID string) (RetrievedTransaction, error) {
		// The postback lands while the return is in flight.
		h.tx.retrieve = nil
		out, err := NewThirdPartyPostbackHandler(h.deps).Execute(context.Background(), ThirdPartyPostbackCommand{SessionID: id})
		require.NoError(t, err)
		postback = out
		return RetrievedTransaction{TransactionID: txID, Status: StatusApproved, BillerName: cascade.BillerEpoch}, nil
	}

	res, err := NewThirdPartyReturnHandler(h.deps).Execute(context.Background(), ThirdPartyReturnCommand{
		SessionID: id, Payload: map[string]string{"transactionId": "tx-epoch"},
	})
	require.NoError(t, err)
	assert.Equal(t, "processed", res.State)
	assert.True(t, res.Replayed)
	assert.Equal(t, postback.PurchaseID, res.PurchaseID)

	_, _, interactions := h.tx.counts()
	assert.Equal(t, 1, interactions, "the return must not contact billing again")
	assert.Len(t, h.sessions.eventsOfType(events.TypePurchaseProcessed), 1)
	assert.Equal(t, 1, h.postbacks.count())
	assert.Len(t, h.purchases.records, 1)
}

func TestThirdPartyReturnStillPending(t *testing.T) {
	h := newHarness(t, cascade.BillerEpoch)
	h.tx.attempt = redirectingBiller
	h.tx.interact = func(in BillerInteraction) (TransactionResult, error) {
		return TransactionResult{TransactionID: in.TransactionID, Status: StatusPending}, nil
	}
	id := h.init(t)
	_, err := h.process(t, id)
	require.NoError(t, err)

	_, err = NewThirdPartyReturnHandler(h.deps).Execute(context.Background(), ThirdPartyReturnCommand{SessionID: id})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeTransactionStillPending, cerr.Code)
	assert.Equal(t, ActionRedirectToURL, cerr.NextAction.Type)
	assert.Equal(t, purchase.StateRedirected, h.load(t, id).State())
	assert.Greater(t, h.tx.retrieveCalls, 1)
}

func TestThirdPartyReturnRequiresTransactionID(t *testing.T) {
	h := newHarness(t, cascade.BillerEpoch)
	h.tx.attempt = func(TransactionRequest) (TransactionResult, error) {
		return TransactionResult{Status: StatusPending, RedirectURL: "https://epoch/pay"}, nil
	}
	id := h.init(t)
	_, err := h.process(t, id)
	require.NoError(t, err)

	_, err = NewThirdPartyReturnHandler(h.deps).Execute(context.Background(), ThirdPartyReturnCommand{SessionID: id})
	assert.ErrorIs(t, err, ErrMissingTransactionID)
}
