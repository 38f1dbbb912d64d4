package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceIsForwardOnly(t *testing.T) {
	c := New(NewBiller("Rocketgate"), NewBiller("epoch"))
	b, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, BillerRocketgate, b.Name)
	assert.False(t, b.ThirdParty)
	assert.Equal(t, 2, c.Remaining())

	assert.False(t, c.Advance())
	b, _ = c.Current()
	assert.True(t, b.ThirdParty)

	assert.True(t, c.Advance())
	assert.True(t, c.Advance())
	assert.Equal(t, 2, c.Position())
	assert.Zero(t, c.Remaining())
	_, ok = c.Current()
	assert.False(t, ok)
}

func TestEmptyCascadeIsExhausted(t *testing.T) {
	assert.True(t, New().Exhausted())
}

func TestCascadeJSON(t *testing.T) {
	c := Restore([]Biller{NewBiller("netbilling"), NewBiller("qysso")}, 1)
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"billers":[{"name":"netbilling","third_party":false},{"name":"qysso","third_party":true}],"position":1}`, string(raw))

	var back Cascade
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, 1, back.Position())
	assert.Equal(t, c.Billers(), back.Billers())
}

type stubService struct {
	billers []Biller
	err     error
	calls   int
}

func (s *stubService) Get(context.Context, Request) ([]Biller, error) {
	s.calls++
	return s.billers, s.err
}

func TestSelectorFallsBackToDefault(t *testing.T) {
	cases := map[string]*stubService{
		"error": {err: errors.New("boom")},
		"empty": {},
	}
	for name, svc := range cases {
		t.Run(name, func(t *testing.T) {
			c := NewSelector(svc, nil).Select(context.Background(), Request{SessionID: uuid.New()})
			require.Equal(t, 1, c.Len())
			b, _ := c.Current()
			assert.Equal(t, Default(), b)
			assert.Equal(t, 1, svc.calls)
		})
	}
}

func TestSelectorNormalizesNames(t *testing.T) {
	svc := &stubService{billers: []Biller{{Name: " NetBilling "}, {Name: "EPOCH"}}}
	c := NewSelector(svc, nil).Select(context.Background(), Request{})
	assert.Equal(t, []Biller{{Name: BillerNetbilling}, {Name: BillerEpoch, ThirdParty: true}}, c.Billers())
}
