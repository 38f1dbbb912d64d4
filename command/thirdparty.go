package command

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/kostush/purchase-gateway-sub010/purchase"
)

var errStillPending = errors.New("command: transaction still pending")

// ThirdPartyReturnHandler resolves a session when the customer comes back
// from a third-party biller page. The biller postback may have resolved the
// transaction first; billing is then not contacted again.
type ThirdPartyReturnHandler struct {
	base
}

func NewThirdPartyReturnHandler(d Deps) *ThirdPartyReturnHandler {
	return &ThirdPartyReturnHandler{base: newBase(d)}
}

func (h *ThirdPartyReturnHandler) Execute(ctx context.Context, c any) (Result, error) {
	cmd, ok := c.(ThirdPartyReturnCommand)
	if !ok {
		return Result{}, invalidCommand("ThirdPartyReturnCommand", c)
	}
	if err := requireSession(cmd.SessionID); err != nil {
		return Result{}, err
	}
	p, err := h.load(ctx, cmd.SessionID)
	if err != nil {
		return Result{}, err
	}
	switch p.State() {
	case purchase.StateProcessed:
		return replay(p), nil
	case purchase.StateCascadeBillersExhausted:
		return Result{}, alreadyProcessed()
	case purchase.StateRedirected:
	default:
		return Result{}, illegalState(p, purchase.TransitionFinishProcessing)
	}

	txID := cmd.Payload["transactionId"]
	if txID == "" {
		txID = p.MainItem().LastTransactionID()
	}
	if txID == "" {
		return Result{}, &Error{Code: CodeMissingTransactionID, Message: "transaction id is missing"}
	}
	return h.execute(ctx, p, func(a *attempt) error { return h.resolve(ctx, a, txID, cmd.Payload) })
}

func (h *ThirdPartyReturnHandler) resolve(ctx context.Context, a *attempt, txID string, payload map[string]string) error {
	p := a.p
	retrieved, err := h.Transactions.GetTransactionDataBy(ctx, txID, p.SessionID())
	if err != nil {
		return dependency("transaction service", err)
	}

	status := retrieved.Status
	if status == StatusPending {
		res, err := h.Transactions.AddBillerInteraction(ctx, BillerInteraction{
			SessionID:     p.SessionID(),
			TransactionID: txID,
			Biller:        retrieved.BillerName,
			Kind:          "return",
			Payload:       payload,
		})
		if err != nil {
			return dependency("transaction service", err)
		}
		status = res.Status
		if status == StatusPending {
			status, err = h.awaitResolution(ctx, txID, p)
			if errors.Is(err, errStillPending) {
				h.Logger.InfoContext(ctx, "third-party transaction still pending",
					"session_id", p.SessionID(), "transaction_id", txID)
				return &Error{
					Code:       CodeTransactionStillPending,
					Message:    "transaction not resolved yet",
					NextAction: nextActionFor(p),
				}
			}
			if err != nil {
				return dependency("transaction service", err)
			}
		}
	} else {
		// The postback resolved the transaction already.
		h.restorePurchase(ctx, p)
		h.Logger.InfoContext(ctx, "third-party transaction resolved by postback",
			"session_id", p.SessionID(), "transaction_id", txID, "status", string(status))
	}
	return h.settle(ctx, a, status)
}

// awaitResolution re-reads a pending transaction with exponential backoff.
func (h *ThirdPartyReturnHandler) awaitResolution(ctx context.Context, txID string, p *purchase.Process) (TransactionStatus, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.ReturnPolicy.InitialInterval
	policy.MaxElapsedTime = h.ReturnPolicy.MaxElapsed

	var status TransactionStatus
	op := func() error {
		tx, err := h.Transactions.GetTransactionDataBy(ctx, txID, p.SessionID())
		if err != nil {
			return err
		}
		if tx.Status == StatusPending {
			return errStillPending
		}
		status = tx.Status
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	return status, nil
}

// settle applies a resolved third-party status to the session.
func (b *base) settle(ctx context.Context, a *attempt, status TransactionStatus) error {
	p := a.p
	main := p.MainItem()
	state := status.State()
	if state == purchase.TransactionPending {
		return nil
	}
	if err := p.UpdateTransactionState(main.ItemID, state); err != nil {
		return internal("update transaction", err)
	}
	if state == purchase.TransactionApproved {
		for _, cs := range p.Items().SelectedCrossSales() {
			if cs.LastTransactionState() == purchase.TransactionPending {
				if err := p.UpdateTransactionState(cs.ItemID, state); err != nil {
					return internal("update transaction", err)
				}
			}
		}
	}
	return b.finish(ctx, a)
}

// ThirdPartyPostbackHandler applies the server-to-server outcome a
// third-party biller sends.
type ThirdPartyPostbackHandler struct {
	base
}

func NewThirdPartyPostbackHandler(d Deps) *ThirdPartyPostbackHandler {
	return &ThirdPartyPostbackHandler{base: newBase(d)}
}

func (h *ThirdPartyPostbackHandler) Execute(ctx context.Context, c any) (Result, error) {
	cmd, ok := c.(ThirdPartyPostbackCommand)
	if !ok {
		return Result{}, invalidCommand("ThirdPartyPostbackCommand", c)
	}
	if err := requireSession(cmd.SessionID); err != nil {
		return Result{}, err
	}
	p, err := h.load(ctx, cmd.SessionID)
	if err != nil {
		return Result{}, err
	}
	switch p.State() {
	case purchase.StateProcessed:
		return replay(p), nil
	case purchase.StateCascadeBillersExhausted:
		return Result{}, alreadyProcessed()
	case purchase.StateRedirected:
	default:
		return Result{}, illegalState(p, purchase.TransitionFinishProcessing)
	}
	return h.execute(ctx, p, func(a *attempt) error {
		main := p.MainItem()
		biller, _ := p.CurrentBiller()
		txID := cmd.Payload["transactionId"]
		if txID == "" {
			txID = main.LastTransactionID()
		}
		kind := cmd.Type
		if kind == "" {
			kind = "postback"
		}
		res, err := h.Transactions.AddBillerInteraction(ctx, BillerInteraction{
			SessionID:     p.SessionID(),
			TransactionID: txID,
			Biller:        biller.Name,
			Kind:          kind,
			Payload:       cmd.Payload,
		})
		if err != nil {
			return dependency("transaction service", err)
		}
		return h.settle(ctx, a, res.Status)
	})
}
