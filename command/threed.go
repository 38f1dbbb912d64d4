package command

import (
	"context"

	"github.com/kostush/purchase-gateway-sub010/purchase"
)

// LookupThreeDHandler continues a 3DS2 attempt once the device collection
// step finished. The biller either approves frictionless, declines, or asks
// for a challenge.
type LookupThreeDHandler struct {
	base
}

func NewLookupThreeDHandler(d Deps) *LookupThreeDHandler {
	return &LookupThreeDHandler{base: newBase(d)}
}

func (h *LookupThreeDHandler) Execute(ctx context.Context, c any) (Result, error) {
	cmd, ok := c.(LookupThreeDCommand)
	if !ok {
		return Result{}, invalidCommand("LookupThreeDCommand", c)
	}
	if err := requireSession(cmd.SessionID); err != nil {
		return Result{}, err
	}
	p, err := h.load(ctx, cmd.SessionID)
	if err != nil {
		return Result{}, err
	}
	switch p.State() {
	case purchase.StateProcessed, purchase.StateCascadeBillersExhausted:
		return Result{}, alreadyProcessed()
	case purchase.StatePending:
	default:
		return Result{}, illegalState(p, purchase.TransitionPerformThreeDLookup)
	}
	return h.execute(ctx, p, func(a *attempt) error { return h.lookup(ctx, a, cmd) })
}

func (h *LookupThreeDHandler) lookup(ctx context.Context, a *attempt, cmd LookupThreeDCommand) error {
	p := a.p
	biller, _ := p.CurrentBiller()
	main := p.MainItem()

	returnURL, err := h.URLs.ThreeDSimplifiedURL(p.SessionID())
	if err != nil {
		return internal("build 3ds return url", err)
	}
	res, callErr := h.Transactions.PerformLookupThreeD(ctx, LookupRequest{
		SessionID:           p.SessionID(),
		TransactionID:       main.LastTransactionID(),
		Biller:              biller,
		DeviceFingerprintID: cmd.DeviceFingerprintID,
		Payment:             p.Payment(),
		ThreeDReturnURL:     returnURL,
	})
	if err := p.PerformThreeDLookup(); err != nil {
		return fromTransition(err, p)
	}
	threeD := p.ThreeD()
	threeD.LookupPerformed = true
	p.SetThreeD(threeD)

	if callErr != nil {
		h.Logger.WarnContext(ctx, "3ds lookup failed",
			"session_id", p.SessionID(), "biller", biller.Name, "error", callErr)
		if err := p.UpdateTransactionState(main.ItemID, purchase.TransactionAborted); err != nil {
			return internal("update transaction", err)
		}
		return h.declined(ctx, a)
	}

	switch res.Status {
	case StatusApproved:
		if err := p.UpdateTransactionState(main.ItemID, purchase.TransactionApproved); err != nil {
			return internal("update transaction", err)
		}
		threeD.Authenticated = true
		threeD.FrictionlessCheck = true
		p.SetThreeD(threeD)
		h.chargeCrossSales(ctx, a, biller, "")
		return h.finish(ctx, a)
	case StatusPending:
		if res.ThreeD != nil {
			threeD.StepUpURL = res.ThreeD.StepUpURL
			threeD.StepUpJWT = res.ThreeD.StepUpJWT
			threeD.MD = res.ThreeD.MD
			threeD.AcsURL = res.ThreeD.AcsURL
			threeD.Pareq = res.ThreeD.Pareq
			p.SetThreeD(threeD)
		}
		a.next = threeDAction(p)
		return nil
	default:
		if err := p.UpdateTransactionState(main.ItemID, res.Status.State()); err != nil {
			return internal("update transaction", err)
		}
		return h.declined(ctx, a)
	}
}

// completion is shared by both 3DS completion handlers.
type completion struct {
	base
	name    string
	check   func(p *purchase.Process, cmd any) error
	request func(p *purchase.Process, cmd any) CompleteRequest
	call    func(ctx context.Context, req CompleteRequest) (TransactionResult, error)
}

func (h *completion) run(ctx context.Context, cmd any, p *purchase.Process) (Result, error) {
	if res, done, err := h.settledReplay(ctx, p); done {
		return res, err
	}
	if p.IsProcessed() || p.State() == purchase.StateCascadeBillersExhausted {
		return Result{}, alreadyProcessed()
	}
	if p.RedirectURL() == "" {
		return Result{}, &Error{Code: CodeMissingRedirectURL, Message: "session has no redirect url"}
	}
	if err := h.check(p, cmd); err != nil {
		return Result{}, err
	}
	switch p.State() {
	case purchase.StatePending, purchase.StateThreeDLookupPerformed:
	default:
		return Result{}, illegalState(p, purchase.TransitionFinishProcessing)
	}
	if res, done, err := h.claim(ctx, p); done {
		return res, err
	}
	return h.execute(ctx, p, func(a *attempt) error { return h.complete(ctx, a, cmd) })
}

func (h *completion) complete(ctx context.Context, a *attempt, cmd any) error {
	p := a.p
	biller, _ := p.CurrentBiller()
	main := p.MainItem()
	from := p.State()

	req := h.request(p, cmd)
	req.SessionID = p.SessionID()
	req.TransactionID = main.LastTransactionID()
	req.Biller = biller
	res, err := h.call(ctx, req)

	threeD := p.ThreeD()
	threeD.Pares = req.Pares
	if req.MD != "" {
		threeD.MD = req.MD
	}

	if err != nil {
		h.Logger.WarnContext(ctx, "3ds completion failed",
			"session_id", p.SessionID(), "handler", h.name, "biller", biller.Name, "error", err)
		return dependency("transaction service", err)
	}
	state := res.Status.State()
	if state == purchase.TransactionPending {
		state = purchase.TransactionAborted
	}
	if err := p.UpdateTransactionState(main.ItemID, state); err != nil {
		return internal("update transaction", err)
	}
	if res.TransactionID != "" && res.TransactionID != req.TransactionID {
		h.Logger.InfoContext(ctx, "3ds completion answered with a new transaction id",
			"session_id", p.SessionID(), "transaction_id", res.TransactionID)
	}

	if state == purchase.TransactionApproved {
		threeD.Authenticated = true
		p.SetThreeD(threeD)
		h.chargeCrossSales(ctx, a, biller, "")
		return h.finish(ctx, a)
	}
	p.SetThreeD(threeD)
	if from == purchase.StateThreeDLookupPerformed {
		return h.declined(ctx, a)
	}
	return h.finish(ctx, a)
}

// CompleteThreeDHandler finishes a 3DS1 attempt with the PaRes and MD the
// ACS posted back.
type CompleteThreeDHandler struct {
	completion
}

func NewCompleteThreeDHandler(d Deps) *CompleteThreeDHandler {
	h := &CompleteThreeDHandler{}
	h.completion = completion{
		base: newBase(d),
		name: "complete_threed",
		check: func(p *purchase.Process, c any) error {
			cmd := c.(CompleteThreeDCommand)
			if cmd.Pares == "" && cmd.MD == "" {
				return missingParameters(CodeMissingParesAndMD, "pares and md are missing", p)
			}
			return nil
		},
		request: func(_ *purchase.Process, c any) CompleteRequest {
			cmd := c.(CompleteThreeDCommand)
			return CompleteRequest{Pares: cmd.Pares, MD: cmd.MD}
		},
	}
	h.call = func(ctx context.Context, req CompleteRequest) (TransactionResult, error) {
		return h.Transactions.AttemptCompleteThreeDTransaction(ctx, req)
	}
	return h
}

func (h *CompleteThreeDHandler) Execute(ctx context.Context, c any) (Result, error) {
	cmd, ok := c.(CompleteThreeDCommand)
	if !ok {
		return Result{}, invalidCommand("CompleteThreeDCommand", c)
	}
	if err := requireSession(cmd.SessionID); err != nil {
		return Result{}, err
	}
	p, err := h.load(ctx, cmd.SessionID)
	if err != nil {
		return Result{}, err
	}
	return h.run(ctx, cmd, p)
}

// SimplifiedCompleteThreeDHandler finishes a 3DS2 attempt from the raw
// query the biller redirected the customer with.
type SimplifiedCompleteThreeDHandler struct {
	completion
}

func NewSimplifiedCompleteThreeDHandler(d Deps) *SimplifiedCompleteThreeDHandler {
	h := &SimplifiedCompleteThreeDHandler{}
	h.completion = completion{
		base: newBase(d),
		name: "simplified_complete_threed",
		check: func(p *purchase.Process, c any) error {
			if c.(SimplifiedCompleteThreeDCommand).QueryString == "" {
				return missingParameters(CodeMissingThreeDParameters, "3ds completion parameters are missing", p)
			}
			return nil
		},
		request: func(_ *purchase.Process, c any) CompleteRequest {
			return CompleteRequest{QueryString: c.(SimplifiedCompleteThreeDCommand).QueryString}
		},
	}
	h.call = func(ctx context.Context, req CompleteRequest) (TransactionResult, error) {
		return h.Transactions.SimplifiedCompleteThreeD(ctx, req)
	}
	return h
}

func (h *SimplifiedCompleteThreeDHandler) Execute(ctx context.Context, c any) (Result, error) {
	cmd, ok := c.(SimplifiedCompleteThreeDCommand)
	if !ok {
		return Result{}, invalidCommand("SimplifiedCompleteThreeDCommand", c)
	}
	if err := requireSession(cmd.SessionID); err != nil {
		return Result{}, err
	}
	p, err := h.load(ctx, cmd.SessionID)
	if err != nil {
		return Result{}, err
	}
	return h.run(ctx, cmd, p)
}
