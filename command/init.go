package command

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/cascade"
	"github.com/kostush/purchase-gateway-sub010/purchase"
	"github.com/kostush/purchase-gateway-sub010/session"
)

// InitHandler opens purchase sessions.
type InitHandler struct {
	base
	newID func() uuid.UUID
}

func NewInitHandler(d Deps) *InitHandler {
	return &InitHandler{base: newBase(d), newID: uuid.New}
}

func (h *InitHandler) Execute(ctx context.Context, c any) (Result, error) {
	cmd, ok := c.(InitCommand)
	if !ok {
		return Result{}, invalidCommand("InitCommand", c)
	}
	if err := cmd.validate(); err != nil {
		return Result{}, err
	}

	s, err := h.Sites.GetSite(ctx, cmd.SiteID)
	if err != nil {
		return Result{}, dependency("config service", err)
	}
	if s == nil {
		return Result{}, siteNotFound(cmd.SiteID)
	}

	sessionID := cmd.SessionID
	if sessionID == uuid.Nil {
		sessionID = h.newID()
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	crossSales := make([]*purchase.InitializedItem, 0, len(cmd.CrossSales))
	for _, cs := range cmd.CrossSales {
		crossSales = append(crossSales, cs.item(h.newID().String(), cmd.SiteID, currency))
	}
	p, err := purchase.New(purchase.InitParams{
		SessionID:       sessionID,
		SiteID:          s.SiteID,
		BusinessGroupID: s.BusinessGroupID,
		Billing: purchase.BillingContext{
			Country:       cmd.Country,
			PaymentType:   cmd.PaymentType,
			PaymentMethod: cmd.PaymentMethod,
			TrafficSource: cmd.TrafficSource,
			Currency:      currency,
		},
		MainItem:            cmd.Main.item(h.newID().String(), cmd.SiteID, currency),
		CrossSales:          crossSales,
		RedirectURL:         cmd.RedirectURL,
		PostbackURL:         cmd.PostbackURL,
		ClientIP:            cmd.ClientIP,
		User:                cmd.User,
		SkipVoidTransaction: cmd.SkipVoidTransaction,
	})
	if err != nil {
		return Result{}, invalidField(err.Error())
	}

	if s.FraudEnabled && h.Fraud != nil {
		p.SetFraudAdvice(h.Fraud.RetrieveAdvice(ctx, FraudRequest{
			SessionID: sessionID,
			SiteID:    s.SiteID,
			Step:      FraudStepInit,
			Params:    cmd.FraudParams,
		}))
	}
	if p.FraudAdvice().BlocksInit() {
		err = p.BlockDueToFraudAdvice()
	} else {
		err = p.Validate()
	}
	if err != nil {
		return Result{}, fromTransition(err, p)
	}

	billing := p.Billing()
	p.SetCascade(h.Cascades.Select(ctx, cascade.Request{
		SessionID:       sessionID,
		SiteID:          s.SiteID,
		BusinessGroupID: s.BusinessGroupID,
		Country:         billing.Country,
		PaymentType:     billing.PaymentType,
		PaymentMethod:   billing.PaymentMethod,
		TrafficSource:   billing.TrafficSource,
	}))

	if err := h.Sessions.Create(ctx, p); err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			return Result{}, invalidField("purchase session already exists")
		}
		return Result{}, internal("create session", err)
	}
	h.Guard.Remember(ctx, p)

	h.Logger.InfoContext(ctx, "purchase session initialized",
		"session_id", sessionID, "site_id", s.SiteID, "state", p.State().String(),
		"billers", len(p.Cascade().Billers()))
	h.emit(ctx, "Purchase_Initialized", p, map[string]any{
		"bundle_id":     p.MainItem().BundleID,
		"amount":        p.MainItem().ChargeInformation.Amount.StringFixed(2),
		"currency":      currency,
		"fraud_captcha": p.FraudAdvice().Captcha,
	})
	return assemble(p, nextActionFor(p)), nil
}
