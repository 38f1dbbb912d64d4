// Package voidtx voids the billing transactions of processed purchases. It
// is a compensating action run off the request path; every failure is
// logged and swallowed.
package voidtx

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kostush/purchase-gateway-sub010/command"
	"github.com/kostush/purchase-gateway-sub010/events"
)

// VoidRequest asks a biller to void one transaction.
type VoidRequest struct {
	SessionID         uuid.UUID         `json:"sessionId"`
	ItemID            string            `json:"itemId"`
	TransactionID     string            `json:"transactionId"`
	BillerName        string            `json:"billerName"`
	BillerFields      map[string]string `json:"billerFields"`
	First6            string            `json:"first6,omitempty"`
	Last4             string            `json:"last4,omitempty"`
	PaymentTemplateID string            `json:"paymentTemplateId,omitempty"`
}

// Publisher delivers void requests to the transaction service.
type Publisher interface {
	PublishVoid(ctx context.Context, req VoidRequest) error
}

// TransactionReader is the part of the transaction service voids read from.
type TransactionReader interface {
	GetTransactionDataBy(ctx context.Context, transactionID string, sessionID uuid.UUID) (command.RetrievedTransaction, error)
}

type Handler struct {
	enabled      bool
	templates    command.PaymentTemplateService
	transactions TransactionReader
	publisher    Publisher
	logger       *slog.Logger
}

func NewHandler(enabled bool, templates command.PaymentTemplateService, transactions TransactionReader, publisher Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		enabled:      enabled,
		templates:    templates,
		transactions: transactions,
		publisher:    publisher,
		logger:       logger,
	}
}

// target is one transaction to void.
type target struct {
	itemID        string
	transactionID string
	billerName    string
}

// Eligible reports whether the event calls for voids.
func (h *Handler) Eligible(ev events.PurchaseProcessed) bool {
	if !h.enabled || ev.SkipVoidTransaction {
		return false
	}
	last, ok := ev.LastTransaction()
	if !ok || last.State != "approved" {
		return false
	}
	return ev.First6 != "" || ev.PaymentTemplateID != ""
}

// Handle publishes a void for the main transaction and for the last approved
// transaction of each cross-sale. It returns the requests that were published.
func (h *Handler) Handle(ctx context.Context, ev events.PurchaseProcessed) []VoidRequest {
	if !h.Eligible(ev) {
		h.logger.DebugContext(ctx, "void transactions skipped", "session_id", ev.SessionID)
		return nil
	}

	targets := []target{}
	if last, ok := ev.LastTransaction(); ok && last.TransactionID != "" {
		biller := last.BillerName
		if biller == "" {
			biller = ev.BillerName
		}
		targets = append(targets, target{itemID: ev.MainItemID, transactionID: last.TransactionID, billerName: biller})
	}
	for _, cs := range ev.CrossSalePurchaseData {
		if len(cs.TransactionCollection) == 0 {
			continue
		}
		last := cs.TransactionCollection[len(cs.TransactionCollection)-1]
		if last.TransactionID == "" || last.State != "approved" {
			continue
		}
		biller := last.BillerName
		if biller == "" {
			biller = ev.BillerName
		}
		targets = append(targets, target{itemID: cs.ItemID, transactionID: last.TransactionID, billerName: biller})
	}

	var (
		mu        sync.Mutex
		published []VoidRequest
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, tg := range targets {
		g.Go(func() error {
			req := h.build(gctx, ev, tg)
			if err := h.publisher.PublishVoid(gctx, req); err != nil {
				h.logger.WarnContext(gctx, "void transaction not published",
					"session_id", ev.SessionID, "transaction_id", tg.transactionID, "biller", tg.billerName, "error", err)
				return nil
			}
			mu.Lock()
			published = append(published, req)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	h.logger.InfoContext(ctx, "void transactions published",
		"session_id", ev.SessionID, "purchase_id", ev.PurchaseID, "count", len(published))
	return published
}

// build resolves card data from the payment template when there is one and
// falls back to the transaction itself.
func (h *Handler) build(ctx context.Context, ev events.PurchaseProcessed, tg target) VoidRequest {
	req := VoidRequest{
		SessionID:         ev.SessionID,
		ItemID:            tg.itemID,
		TransactionID:     tg.transactionID,
		BillerName:        tg.billerName,
		First6:            ev.First6,
		Last4:             ev.Last4,
		PaymentTemplateID: ev.PaymentTemplateID,
	}

	var source map[string]string
	if ev.PaymentTemplateID != "" && h.templates != nil {
		tpl, err := h.templates.Retrieve(ctx, ev.PaymentTemplateID, ev.SessionID)
		if err == nil {
			source = tpl.BillerFields
			req.First6, req.Last4 = tpl.First6, tpl.Last4
		} else {
			h.logger.WarnContext(ctx, "payment template lookup failed, using transaction data",
				"session_id", ev.SessionID, "payment_template_id", ev.PaymentTemplateID, "error", err)
		}
	}
	if source == nil {
		tx, err := h.transactions.GetTransactionDataBy(ctx, tg.transactionID, ev.SessionID)
		if err != nil {
			h.logger.WarnContext(ctx, "transaction lookup failed",
				"session_id", ev.SessionID, "transaction_id", tg.transactionID, "error", err)
		} else {
			source = tx.MerchantAccount
			if tx.First6 != "" {
				req.First6, req.Last4 = tx.First6, tx.Last4
			}
		}
	}
	req.BillerFields = BillerFields(tg.billerName, source)
	return req
}
