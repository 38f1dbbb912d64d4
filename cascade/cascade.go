// Package cascade models the ordered list of billers a purchase is attempted
// against and the selector that obtains it from the cascade service.
package cascade

import (
	"encoding/json"
	"strings"
)

// Biller is a payment processing integration.
type Biller struct {
	Name       string `json:"name"`
	ThirdParty bool   `json:"third_party"`
}

const (
	BillerRocketgate = "rocketgate"
	BillerNetbilling = "netbilling"
	BillerEpoch      = "epoch"
	BillerQysso      = "qysso"
)

// NewBiller resolves a biller by name. Epoch and Qysso redirect the customer
// to their own payment page.
func NewBiller(name string) Biller {
	n := strings.ToLower(strings.TrimSpace(name))
	return Biller{Name: n, ThirdParty: n == BillerEpoch || n == BillerQysso}
}

// Default is used whenever the cascade service cannot answer.
func Default() Biller {
	return NewBiller(BillerRocketgate)
}

// Cascade is an ordered fallback list of billers with a forward-only position.
type Cascade struct {
	billers  []Biller
	position int
}

// New builds a cascade positioned on the first biller.
func New(billers ...Biller) *Cascade {
	cp := make([]Biller, len(billers))
	copy(cp, billers)
	return &Cascade{billers: cp}
}

// Restore rebuilds a cascade at a persisted position.
func Restore(billers []Biller, position int) *Cascade {
	c := New(billers...)
	if position > 0 {
		c.position = position
	}
	return c
}

// Billers returns a copy of the ordered billers.
func (c *Cascade) Billers() []Biller {
	out := make([]Biller, len(c.billers))
	copy(out, c.billers)
	return out
}

// Position is the zero-based index of the current biller.
func (c *Cascade) Position() int { return c.position }

// Len is the number of billers in the cascade.
func (c *Cascade) Len() int { return len(c.billers) }

// Exhausted reports whether the position moved past the last biller.
func (c *Cascade) Exhausted() bool {
	return c.position >= len(c.billers)
}

// Current returns the biller to attempt next.
func (c *Cascade) Current() (Biller, bool) {
	if c.Exhausted() {
		return Biller{}, false
	}
	return c.billers[c.position], true
}

// Remaining counts billers not yet attempted, the current one included.
func (c *Cascade) Remaining() int {
	if c.Exhausted() {
		return 0
	}
	return len(c.billers) - c.position
}

// Advance moves to the next biller and reports whether the cascade is now exhausted.
// The position never wraps.
func (c *Cascade) Advance() bool {
	if !c.Exhausted() {
		c.position++
	}
	return c.Exhausted()
}

type cascadeJSON struct {
	Billers  []Biller `json:"billers"`
	Position int      `json:"position"`
}

func (c *Cascade) MarshalJSON() ([]byte, error) {
	return json.Marshal(cascadeJSON{Billers: c.billers, Position: c.position})
}

func (c *Cascade) UnmarshalJSON(b []byte) error {
	var raw cascadeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = *Restore(raw.Billers, raw.Position)
	return nil
}
