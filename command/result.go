package command

import (
	"github.com/google/uuid"

	"github.com/kostush/purchase-gateway-sub010/purchase"
)

// ActionType tells the client what to do after a call.
type ActionType string

const (
	ActionRenderGateway  ActionType = "renderGateway"
	ActionRestartProcess ActionType = "restartProcess"
	ActionRedirectToURL  ActionType = "redirectToUrl"
	ActionAuthenticate3D ActionType = "authenticate3D"
	ActionDeviceDetect3D ActionType = "deviceDetection3D"
	ActionFinishProcess  ActionType = "finishProcess"
)

// ThreeDAction carries what the client needs to run a 3DS step.
type ThreeDAction struct {
	Version             int    `json:"version"`
	AcsURL              string `json:"acsUrl,omitempty"`
	Pareq               string `json:"pareq,omitempty"`
	MD                  string `json:"md,omitempty"`
	StepUpURL           string `json:"stepUpUrl,omitempty"`
	StepUpJWT           string `json:"stepUpJwt,omitempty"`
	DeviceCollectionURL string `json:"deviceCollectionUrl,omitempty"`
	DeviceCollectionJWT string `json:"deviceCollectionJwt,omitempty"`
}

type NextAction struct {
	Type        ActionType    `json:"type"`
	RedirectURL string        `json:"redirectUrl,omitempty"`
	ThreeD      *ThreeDAction `json:"threeD,omitempty"`
}

// ItemResult is the outcome for one item of the session.
type ItemResult struct {
	ItemID        string `json:"itemId"`
	IsCrossSale   bool   `json:"isCrossSale"`
	TransactionID string `json:"transactionId,omitempty"`
	State         string `json:"state,omitempty"`
	BillerName    string `json:"billerName,omitempty"`
	Success       bool   `json:"success"`
}

// Result is the response of every purchase handler.
type Result struct {
	SessionID           uuid.UUID    `json:"sessionId"`
	State               string       `json:"state"`
	Success             bool         `json:"success"`
	PurchaseID          string       `json:"purchaseId,omitempty"`
	MemberID            string       `json:"memberId,omitempty"`
	BillerName          string       `json:"billerName,omitempty"`
	Billers             []string     `json:"billers,omitempty"`
	GatewaySubmitNumber int          `json:"gatewaySubmitNumber"`
	IsNSF               bool         `json:"isNsf,omitempty"`
	HasFailedTx         bool         `json:"hasFailedTransactions"`
	Items               []ItemResult `json:"items"`
	NextAction          *NextAction  `json:"nextAction,omitempty"`
	ReturnURL           string       `json:"returnUrl,omitempty"`
	FraudCaptcha        bool         `json:"fraudCaptcha,omitempty"`
	Replayed            bool         `json:"-"`
}

// assemble builds the result from the aggregate as it stands.
func assemble(p *purchase.Process, next *NextAction) Result {
	res := Result{
		SessionID:           p.SessionID(),
		State:               p.State().String(),
		Success:             p.IsProcessed() && p.WasMainItemPurchaseSuccessful(),
		PurchaseID:          p.PurchaseID(),
		MemberID:            p.MemberID(),
		GatewaySubmitNumber: p.GatewaySubmitNumber(),
		IsNSF:               p.CheckForDeclinedAndNsfTransaction(),
		HasFailedTx:         p.HasFailedTransactions(),
		NextAction:          next,
		ReturnURL:           p.RedirectURL(),
		FraudCaptcha:        p.FraudAdvice().Captcha,
	}
	if b, ok := p.CurrentBiller(); ok {
		res.BillerName = b.Name
	}
	if last, ok := p.MainItem().Transactions.Last(); ok && last.BillerName != "" {
		res.BillerName = last.BillerName
	}
	for _, b := range p.Cascade().Billers() {
		res.Billers = append(res.Billers, b.Name)
	}
	for _, item := range p.Items().All() {
		if item.IsCrossSale && !item.IsCrossSaleSelected {
			continue
		}
		ir := ItemResult{
			ItemID:      item.ItemID,
			IsCrossSale: item.IsCrossSale,
			Success:     item.WasSuccessfullyPurchased(),
		}
		if last, ok := item.Transactions.Last(); ok {
			ir.TransactionID = last.TransactionID
			ir.State = string(last.State)
			ir.BillerName = last.BillerName
		}
		res.Items = append(res.Items, ir)
	}
	return res
}

// nextActionFor derives the hint matching a persisted state. Replays use it
// so a duplicate call answers like the original one.
func nextActionFor(p *purchase.Process) *NextAction {
	switch p.State() {
	case purchase.StateProcessed, purchase.StateCascadeBillersExhausted:
		return &NextAction{Type: ActionFinishProcess, RedirectURL: p.RedirectURL()}
	case purchase.StateValid, purchase.StateCreated:
		return &NextAction{Type: ActionRenderGateway}
	case purchase.StateBlockedDueToFraudAdvice:
		if f := p.FraudAdvice(); f.Captcha && !f.BlacklistedOnInit && !f.BlacklistedOnProcess {
			return &NextAction{Type: ActionRenderGateway}
		}
		return &NextAction{Type: ActionRestartProcess}
	case purchase.StatePending, purchase.StateThreeDLookupPerformed:
		return threeDAction(p)
	case purchase.StateRedirected:
		return &NextAction{Type: ActionRedirectToURL, RedirectURL: p.BillerRedirectURL()}
	default:
		return nil
	}
}

func threeDAction(p *purchase.Process) *NextAction {
	t := p.ThreeD()
	action := &ThreeDAction{
		Version:             t.Version,
		AcsURL:              t.AcsURL,
		Pareq:               t.Pareq,
		MD:                  t.MD,
		StepUpURL:           t.StepUpURL,
		StepUpJWT:           t.StepUpJWT,
		DeviceCollectionURL: t.DeviceCollectURL,
		DeviceCollectionJWT: t.DeviceCollectJWT,
	}
	if p.State() == purchase.StatePending && t.IsThreeDTwo() && t.StepUpURL == "" {
		return &NextAction{Type: ActionDeviceDetect3D, ThreeD: action}
	}
	return &NextAction{Type: ActionAuthenticate3D, ThreeD: action}
}
