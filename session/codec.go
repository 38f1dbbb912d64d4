// Package session persists purchase process aggregates as versioned JSON
// documents with sealed payment data.
package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kostush/purchase-gateway-sub010/purchase"
	"github.com/kostush/purchase-gateway-sub010/versioning"
)

type document struct {
	purchase.Snapshot
	Version int `json:"version"`
}

// Codec turns aggregates into stored documents and back.
type Codec struct {
	cipher    *Cipher
	converter *versioning.Converter
}

func NewCodec(cipher *Cipher, converter *versioning.Converter) *Codec {
	if converter == nil {
		converter = versioning.NewConverter(versioning.SessionChain, nil)
	}
	return &Codec{cipher: cipher, converter: converter}
}

// Encode returns the JSON payload and the sealed payment info. Only the
// payment type and method stay readable in the payload.
func (c *Codec) Encode(p *purchase.Process) ([]byte, string, error) {
	snap := p.Snapshot()
	sealed, err := c.cipher.Seal(snap.SessionID.String(), snap.Payment)
	if err != nil {
		return nil, "", err
	}
	snap.Payment = purchase.PaymentInfo{
		PaymentType:   snap.Payment.PaymentType,
		PaymentMethod: snap.Payment.PaymentMethod,
	}
	payload, err := json.Marshal(document{Snapshot: snap, Version: versioning.SessionChain.Latest})
	if err != nil {
		return nil, "", fmt.Errorf("session: marshal %s: %w", snap.SessionID, err)
	}
	return payload, sealed, nil
}

// Decode upgrades an older payload through the session chain before
// rehydrating the aggregate.
func (c *Codec) Decode(ctx context.Context, payload []byte, sealed string) (*purchase.Process, error) {
	upgraded, err := c.converter.ConvertJSON(ctx, payload)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(upgraded, &doc); err != nil {
		return nil, fmt.Errorf("session: unmarshal: %w", err)
	}
	info, err := c.cipher.Open(doc.SessionID.String(), sealed)
	if err != nil {
		return nil, err
	}
	if info != (purchase.PaymentInfo{}) {
		doc.Payment = info
	}
	p, err := purchase.FromSnapshot(doc.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("session: rehydrate %s: %w", doc.SessionID, err)
	}
	return p, nil
}
