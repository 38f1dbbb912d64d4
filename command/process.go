package command

import (
	"context"

	"github.com/kostush/purchase-gateway-sub010/cascade"
	"github.com/kostush/purchase-gateway-sub010/purchase"
)

// ProcessHandler submits the payment of a validated session to the current
// biller of its cascade.
type ProcessHandler struct {
	base
}

func NewProcessHandler(d Deps) *ProcessHandler {
	return &ProcessHandler{base: newBase(d)}
}

func (h *ProcessHandler) Execute(ctx context.Context, c any) (Result, error) {
	cmd, ok := c.(ProcessCommand)
	if !ok {
		return Result{}, invalidCommand("ProcessCommand", c)
	}
	if err := cmd.validate(); err != nil {
		return Result{}, err
	}
	p, err := h.load(ctx, cmd.SessionID)
	if err != nil {
		return Result{}, err
	}

	switch st := p.State(); {
	case st == purchase.StateProcessed || st == purchase.StateCascadeBillersExhausted:
		return Result{}, alreadyProcessed()
	case st == purchase.StateBlockedDueToFraudAdvice:
		advice := p.FraudAdvice()
		if !advice.Captcha || !cmd.CaptchaValidated || advice.BlacklistedOnInit {
			return Result{}, blocked(p)
		}
	}
	return h.execute(ctx, p, func(a *attempt) error { return h.process(ctx, a, cmd) })
}

func (h *ProcessHandler) process(ctx context.Context, a *attempt, cmd ProcessCommand) error {
	p := a.p
	if p.State() == purchase.StateBlockedDueToFraudAdvice {
		advice := p.FraudAdvice()
		advice.CaptchaValidated = true
		p.SetFraudAdvice(advice)
		if err := p.Validate(); err != nil {
			return fromTransition(err, p)
		}
	}
	if p.State() != purchase.StateValid {
		return illegalState(p, purchase.TransitionStartProcessing)
	}

	p.SetPayment(cmd.Payment)
	p.SetUser(cmd.User)
	if err := p.SelectCrossSales(cmd.SelectedCrossSales...); err != nil {
		return invalidField(err.Error())
	}

	s, err := h.siteFor(ctx, p)
	if err != nil {
		return err
	}
	a.site = s

	if s.FraudEnabled && h.Fraud != nil {
		advice := h.Fraud.RetrieveAdvice(ctx, FraudRequest{
			SessionID: p.SessionID(),
			SiteID:    p.SiteID(),
			Step:      FraudStepProcess,
			Params:    cmd.FraudParams,
		})
		prior := p.FraudAdvice()
		advice.CaptchaValidated = advice.CaptchaValidated || prior.CaptchaValidated
		advice.BlacklistedOnInit = prior.BlacklistedOnInit
		p.SetFraudAdvice(advice)
		if p.IsBlacklistedOnProcess() {
			if err := p.BlockDueToFraudAdvice(); err != nil {
				return fromTransition(err, p)
			}
			h.Logger.InfoContext(ctx, "purchase blocked on process",
				"session_id", p.SessionID(), "site_id", p.SiteID())
			return blocked(p)
		}
	}

	biller, ok := p.CurrentBiller()
	if !ok {
		if err := p.NoMoreBillersAvailable(); err != nil {
			return fromTransition(err, p)
		}
		return nil
	}
	if biller.ThirdParty {
		return h.redirect(ctx, a, biller)
	}
	return h.charge(ctx, a, biller)
}

func (h *ProcessHandler) charge(ctx context.Context, a *attempt, biller cascade.Biller) error {
	p := a.p
	if err := p.StartProcessing(); err != nil {
		return fromTransition(err, p)
	}

	var threeDReturn string
	if a.site.ThreeDEnabled {
		u, err := h.URLs.ThreeDCompleteURL(p.SessionID())
		if err != nil {
			return internal("build 3ds return url", err)
		}
		threeDReturn = u
	}

	main := p.MainItem()
	res, err := h.Transactions.AttemptTransaction(ctx, TransactionRequest{
		SessionID:       p.SessionID(),
		SiteID:          p.SiteID(),
		Biller:          biller,
		Item:            main,
		Payment:         p.Payment(),
		User:            p.User(),
		ClientIP:        p.ClientIP(),
		ThreeDEnabled:   a.site.ThreeDEnabled,
		ForceThreeD:     p.FraudAdvice().ForceThreeD,
		ThreeDReturnURL: threeDReturn,
	})
	if err != nil {
		h.Logger.WarnContext(ctx, "transaction attempt failed",
			"session_id", p.SessionID(), "biller", biller.Name, "error", err)
		if err := p.RecordAttempt(main.ItemID, aborted(biller)); err != nil {
			return internal("record attempt", err)
		}
		return h.declined(ctx, a)
	}
	if err := p.RecordAttempt(main.ItemID, transaction(biller, res)); err != nil {
		return internal("record attempt", err)
	}

	switch res.Status {
	case StatusApproved:
		h.chargeCrossSales(ctx, a, biller, threeDReturn)
		return h.finish(ctx, a)
	case StatusPending:
		if res.ThreeD == nil {
			if err := p.UpdateTransactionState(main.ItemID, purchase.TransactionAborted); err != nil {
				return internal("update transaction", err)
			}
			return h.declined(ctx, a)
		}
		if err := p.StartPending(); err != nil {
			return fromTransition(err, p)
		}
		p.SetThreeD(*res.ThreeD)
		a.next = threeDAction(p)
		return nil
	default:
		return h.declined(ctx, a)
	}
}

// redirect hands the customer to a biller hosting its own payment page.
func (h *ProcessHandler) redirect(ctx context.Context, a *attempt, biller cascade.Biller) error {
	p := a.p
	returnURL, err := h.URLs.ThirdPartyReturnURL(p.SessionID())
	if err != nil {
		return internal("build return url", err)
	}
	postbackURL, err := h.URLs.ThirdPartyPostbackURL(p.SessionID())
	if err != nil {
		return internal("build postback url", err)
	}

	main := p.MainItem()
	res, err := h.Transactions.AttemptTransaction(ctx, TransactionRequest{
		SessionID:   p.SessionID(),
		SiteID:      p.SiteID(),
		Biller:      biller,
		Item:        main,
		Payment:     p.Payment(),
		User:        p.User(),
		ClientIP:    p.ClientIP(),
		ReturnURL:   returnURL,
		PostbackURL: postbackURL,
	})
	if err != nil {
		h.Logger.WarnContext(ctx, "third-party attempt failed",
			"session_id", p.SessionID(), "biller", biller.Name, "error", err)
		if err := p.RecordAttempt(main.ItemID, aborted(biller)); err != nil {
			return internal("record attempt", err)
		}
		return h.declined(ctx, a)
	}
	if err := p.RecordAttempt(main.ItemID, transaction(biller, res)); err != nil {
		return internal("record attempt", err)
	}
	if res.Status != StatusPending || res.RedirectURL == "" {
		if res.Status == StatusPending {
			if err := p.UpdateTransactionState(main.ItemID, purchase.TransactionAborted); err != nil {
				return internal("update transaction", err)
			}
		}
		return h.declined(ctx, a)
	}
	p.SetBillerRedirectURL(res.RedirectURL)
	if err := p.Redirect(); err != nil {
		return fromTransition(err, p)
	}
	a.next = nextActionFor(p)
	return nil
}
