// Package command holds one handler per purchase use case. Handlers load the
// session, call the external services, apply a single lifecycle transition
// and always persist the session before returning.
package command

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/cascade"
	"github.com/kostush/purchase-gateway-sub010/events"
	"github.com/kostush/purchase-gateway-sub010/idempotency"
	"github.com/kostush/purchase-gateway-sub010/purchase"
	"github.com/kostush/purchase-gateway-sub010/session"
	"github.com/kostush/purchase-gateway-sub010/site"
)

// ReturnPolicy bounds how long a third-party return waits for a pending
// transaction to resolve.
type ReturnPolicy struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// Deps wires the handlers to their collaborators.
type Deps struct {
	Sessions     SessionStore
	Purchases    PurchaseStore
	Guard        *idempotency.Guard
	Cascades     CascadeService
	Transactions TransactionService
	Sites        ConfigService
	Fraud        FraudService
	Postbacks    PostbackService
	BI           BILogger
	URLs         URLBuilder
	ReturnPolicy ReturnPolicy
	Logger       *slog.Logger
}

type base struct {
	Deps
}

func newBase(d Deps) base {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ReturnPolicy.InitialInterval <= 0 {
		d.ReturnPolicy.InitialInterval = 200 * time.Millisecond
	}
	if d.ReturnPolicy.MaxElapsed <= 0 {
		d.ReturnPolicy.MaxElapsed = 5 * time.Second
	}
	return base{Deps: d}
}

// attempt is the per-request scratchpad of a handler run.
type attempt struct {
	p    *purchase.Process
	site *site.Site
	next *NextAction
	// counted is set once a declined attempt already moved the submit number.
	counted bool
	// processed is set when this request moved the session to Processed.
	processed bool
}

func (b *base) load(ctx context.Context, id uuid.UUID) (*purchase.Process, error) {
	p, err := b.Sessions.Load(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, sessionNotFound(err)
	}
	if err != nil {
		return nil, internal("load session", err)
	}
	return p, nil
}

func (b *base) siteFor(ctx context.Context, p *purchase.Process) (*site.Site, error) {
	s, err := b.Sites.GetSite(ctx, p.SiteID())
	if err != nil {
		return nil, dependency("config service", err)
	}
	if s == nil {
		return nil, siteNotFound(p.SiteID())
	}
	return s, nil
}

// execute runs fn and persists the session whatever fn returned. A lost
// revision race replays the winner's result.
func (b *base) execute(ctx context.Context, p *purchase.Process, fn func(a *attempt) error) (res Result, err error) {
	a := &attempt{p: p}
	defer func() {
		res, err = b.persist(ctx, a, err)
	}()
	err = fn(a)
	return Result{}, err
}

func (b *base) persist(ctx context.Context, a *attempt, cause error) (Result, error) {
	p := a.p
	if !a.counted {
		p.IncrementGatewaySubmitNumberIfValid()
	}
	if err := b.Sessions.Update(ctx, p); err != nil {
		if errors.Is(err, session.ErrConcurrentUpdate) {
			b.Logger.InfoContext(ctx, "session updated concurrently, replaying stored result",
				"session_id", p.SessionID(), "revision", p.Revision())
			return b.replayStored(ctx, p.SessionID())
		}
		b.Logger.ErrorContext(ctx, "session not persisted",
			"session_id", p.SessionID(), "state", p.State().String(), "error", err)
		if cause != nil {
			return Result{}, cause
		}
		return Result{}, internal("persist session", err)
	}
	b.Guard.Remember(ctx, p)

	if a.processed {
		b.notify(ctx, a)
	}
	if cause != nil {
		b.Logger.InfoContext(ctx, "purchase command failed",
			"session_id", p.SessionID(), "state", p.State().String(),
			"gateway_submit_number", p.GatewaySubmitNumber(), "error", cause)
		return Result{}, cause
	}
	next := a.next
	if next == nil {
		next = nextActionFor(p)
	}
	return assemble(p, next), nil
}

// replayStored answers with whatever the stored session says.
func (b *base) replayStored(ctx context.Context, id uuid.UUID) (Result, error) {
	winner, err := b.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	b.Guard.Remember(ctx, winner)
	return replay(winner), nil
}

func replay(p *purchase.Process) Result {
	res := assemble(p, nextActionFor(p))
	res.Replayed = true
	return res
}

// settledReplay checks the side channel before a billing call. It reports
// done when the call must not bill again.
func (b *base) settledReplay(ctx context.Context, p *purchase.Process) (Result, bool, error) {
	d, err := b.Guard.Check(ctx, p.SessionID(), p.GatewaySubmitNumber())
	if err != nil {
		b.Logger.WarnContext(ctx, "idempotency check failed, proceeding",
			"session_id", p.SessionID(), "error", err)
		return Result{}, false, nil
	}
	switch d {
	case idempotency.Replay:
		b.Logger.InfoContext(ctx, "duplicate completion replayed",
			"session_id", p.SessionID(), "gateway_submit_number", p.GatewaySubmitNumber())
		return replay(p), true, nil
	case idempotency.InFlight:
		res, err := b.awaitAndReplay(ctx, p.SessionID())
		return res, true, err
	}
	return Result{}, false, nil
}

func (b *base) awaitAndReplay(ctx context.Context, id uuid.UUID) (Result, error) {
	if _, err := b.Guard.AwaitSettled(ctx, id); err != nil {
		return Result{}, &Error{
			Code:    CodeConcurrentUpdate,
			Message: "a concurrent call is still completing this session",
			Err:     err,
		}
	}
	return b.replayStored(ctx, id)
}

// claim marks the attempt in flight; a lost claim replays the winner.
func (b *base) claim(ctx context.Context, p *purchase.Process) (Result, bool, error) {
	d, err := b.Guard.MarkInFlight(ctx, p)
	if err != nil {
		b.Logger.WarnContext(ctx, "idempotency claim failed, proceeding",
			"session_id", p.SessionID(), "error", err)
		return Result{}, false, nil
	}
	if d == idempotency.InFlight {
		res, err := b.awaitAndReplay(ctx, p.SessionID())
		return res, true, err
	}
	return Result{}, false, nil
}

func transaction(biller cascade.Biller, res TransactionResult) purchase.Transaction {
	tx := purchase.Transaction{
		TransactionID: res.TransactionID,
		State:         res.Status.State(),
		BillerName:    biller.Name,
		First6:        res.First6,
		Last4:         res.Last4,
		CardExpiry:    res.CardExpiry,
		IsNSF:         res.IsNSF,
	}
	if res.ThreeD != nil {
		tx.ThreeDVersion = res.ThreeD.Version
	}
	return tx
}

func aborted(biller cascade.Biller) purchase.Transaction {
	return purchase.Transaction{State: purchase.TransactionAborted, BillerName: biller.Name}
}

// declined moves the session past the current biller.
func (b *base) declined(ctx context.Context, a *attempt) error {
	if err := a.p.RecordDeclinedAttempt(); err != nil {
		return fromTransition(err, a.p)
	}
	a.counted = true
	b.Logger.InfoContext(ctx, "biller declined attempt",
		"session_id", a.p.SessionID(), "state", a.p.State().String(),
		"gateway_submit_number", a.p.GatewaySubmitNumber(), "remaining_billers", a.p.Cascade().Remaining())
	a.next = nextActionFor(a.p)
	return nil
}

// chargeCrossSales bills each selected cross-sale against the biller that
// approved the main item. Failures only mark the cross-sale.
func (b *base) chargeCrossSales(ctx context.Context, a *attempt, biller cascade.Biller, returnURL string) {
	p := a.p
	for _, item := range p.Items().SelectedCrossSales() {
		res, err := b.Transactions.AttemptTransaction(ctx, TransactionRequest{
			SessionID:       p.SessionID(),
			SiteID:          item.SiteID,
			Biller:          biller,
			Item:            item,
			Payment:         p.Payment(),
			User:            p.User(),
			ClientIP:        p.ClientIP(),
			ThreeDReturnURL: returnURL,
		})
		tx := transaction(biller, res)
		if err != nil {
			b.Logger.WarnContext(ctx, "cross-sale attempt failed",
				"session_id", p.SessionID(), "item_id", item.ItemID, "biller", biller.Name, "error", err)
			tx = aborted(biller)
		}
		if tx.State == purchase.TransactionPending {
			tx.State = purchase.TransactionAborted
		}
		if err := p.RecordAttempt(item.ItemID, tx); err != nil {
			b.Logger.WarnContext(ctx, "cross-sale attempt not recorded",
				"session_id", p.SessionID(), "item_id", item.ItemID, "error", err)
		}
	}
}

// finish moves the session to Processed and runs the post-processing that
// must be stored with it.
func (b *base) finish(ctx context.Context, a *attempt) error {
	p := a.p
	wasProcessed := p.IsProcessed()
	if err := p.FinishProcessing(); err != nil {
		return fromTransition(err, p)
	}
	a.next = nextActionFor(p)
	if wasProcessed || !p.IsProcessed() {
		return nil
	}
	a.processed = true

	if p.WasMainItemPurchaseSuccessful() && p.PurchaseID() == "" {
		rec, err := b.Purchases.Create(ctx, session.PurchaseRecord{
			SessionID:  p.SessionID(),
			MemberID:   p.MemberID(),
			MainItemID: p.MainItem().ItemID,
		})
		if err != nil {
			return internal("create purchase", err)
		}
		p.AttachPurchase(rec.PurchaseID.String(), rec.MemberID)
	}
	p.Record(events.NewPurchaseProcessed(p).DomainEvent())
	return nil
}

// restorePurchase copies a purchase created by a concurrent call into the session.
func (b *base) restorePurchase(ctx context.Context, p *purchase.Process) {
	if p.PurchaseID() != "" {
		return
	}
	rec, err := b.Purchases.FindBySession(ctx, p.SessionID())
	if errors.Is(err, session.ErrPurchaseNotFound) {
		return
	}
	if err != nil {
		b.Logger.WarnContext(ctx, "purchase lookup failed", "session_id", p.SessionID(), "error", err)
		return
	}
	p.AttachPurchase(rec.PurchaseID.String(), rec.MemberID)
}

// notify runs the best-effort side channels once a processed session is stored.
func (b *base) notify(ctx context.Context, a *attempt) {
	p := a.p
	res := assemble(p, nextActionFor(p))

	postbackURL := p.PostbackURL()
	if postbackURL == "" {
		if a.site == nil {
			if s, err := b.Sites.GetSite(ctx, p.SiteID()); err == nil {
				a.site = s
			}
		}
		if a.site != nil {
			postbackURL = a.site.PostbackURL
		}
	}
	if postbackURL != "" && b.Postbacks != nil {
		body := Postback{
			SessionID:  p.SessionID(),
			PurchaseID: p.PurchaseID(),
			MemberID:   p.MemberID(),
			Success:    res.Success,
			State:      res.State,
			Result:     res,
		}
		if err := b.Postbacks.Queue(ctx, body, postbackURL); err != nil {
			b.Logger.WarnContext(ctx, "postback not queued", "session_id", p.SessionID(), "error", err)
		}
	}
	b.emit(ctx, "Purchase_Processed", p, map[string]any{
		"success":               res.Success,
		"purchase_id":           p.PurchaseID(),
		"gateway_submit_number": p.GatewaySubmitNumber(),
		"biller":                res.BillerName,
	})
}

func (b *base) emit(ctx context.Context, typ string, p *purchase.Process, payload map[string]any) {
	if b.BI == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["state"] = p.State().String()
	payload["site_id"] = p.SiteID()
	if err := b.BI.Queue(ctx, BIEvent{Type: typ, SessionID: p.SessionID(), Payload: payload}); err != nil {
		b.Logger.WarnContext(ctx, "bi event not queued", "session_id", p.SessionID(), "type", typ, "error", err)
	}
}
