package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kostush/purchase-gateway-sub010/cascade"
	"github.com/kostush/purchase-gateway-sub010/purchase"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	return NewCodec(c, nil)
}

func testProcess(t *testing.T) *purchase.Process {
	t.Helper()
	p, err := purchase.New(purchase.InitParams{
		SessionID:   uuid.New(),
		SiteID:      "site-1",
		MainItem:    &purchase.InitializedItem{ItemID: "main", SiteID: "site-1"},
		RedirectURL: "https://merchant.example/return",
	})
	require.NoError(t, err)
	p.SetCascade(cascade.New(cascade.NewBiller("rocketgate"), cascade.NewBiller("netbilling")))
	p.SetPayment(purchase.PaymentInfo{
		PaymentType:     "cc",
		PaymentMethod:   "visa",
		CCNumber:        "4111111111111111",
		CVV:             "123",
		ExpirationMonth: "12",
		ExpirationYear:  "2030",
	})
	require.NoError(t, p.Validate())
	return p
}

func TestCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher("zz")
	assert.Error(t, err)
	_, err = NewCipher("0011")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCipherBindsSessionID(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	sealed, err := c.Seal("a", purchase.PaymentInfo{CCNumber: "4111"})
	require.NoError(t, err)

	_, err = c.Open("b", sealed)
	assert.Error(t, err)

	info, err := c.Open("a", sealed)
	require.NoError(t, err)
	assert.Equal(t, "4111", info.CCNumber)

	empty, err := c.Seal("a", purchase.PaymentInfo{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCodecRoundTripKeepsCardOutOfPayload(t *testing.T) {
	codec := testCodec(t)
	p := testProcess(t)

	payload, sealed, err := codec.Encode(p)
	require.NoError(t, err)
	assert.NotEmpty(t, sealed)
	assert.False(t, strings.Contains(string(payload), "4111111111111111"))
	assert.Contains(t, string(payload), `"version":4`)
	assert.Contains(t, string(payload), `"state":"valid"`)

	back, err := codec.Decode(context.Background(), payload, sealed)
	require.NoError(t, err)
	assert.Equal(t, p.SessionID(), back.SessionID())
	assert.Equal(t, purchase.StateValid, back.State())
	assert.Equal(t, "4111111111111111", back.Payment().CCNumber)
	assert.Equal(t, 2, back.Cascade().Len())
}

func TestCodecUpgradesLegacyPayload(t *testing.T) {
	id := uuid.New()
	legacy := map[string]any{
		"session_id":     id.String(),
		"state":          "Redirected",
		"gateway_submit": 1,
		"cascade": map[string]any{
			"billers":                 []any{map[string]any{"name": "rocketgate"}, map[string]any{"name": "epoch", "third_party": true}},
			"current_biller_position": 1,
		},
		"items": []any{map[string]any{
			"item_id": "main",
			"transaction_collection": []any{
				map[string]any{"transaction_id": "t-1", "state": "failed", "biller_name": "rocketgate"},
				map[string]any{"transaction_id": "t-2", "state": "pending", "biller_name": "epoch"},
			},
		}},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)

	p, err := testCodec(t).Decode(context.Background(), raw, "")
	require.NoError(t, err)
	assert.Equal(t, purchase.StateRedirected, p.State())
	assert.Equal(t, 1, p.GatewaySubmitNumber())
	assert.Equal(t, 1, p.Cascade().Position())
	assert.Equal(t, purchase.TransactionDeclined, p.MainItem().Transactions[0].State)
	assert.Equal(t, "default", p.FraudAdvice().Source)
}

func TestCodecRejectsUnknownVersion(t *testing.T) {
	_, err := testCodec(t).Decode(context.Background(), []byte(`{"version": 99}`), "")
	assert.Error(t, err)
}
