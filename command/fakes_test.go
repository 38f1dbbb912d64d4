package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kostush/purchase-gateway-sub010/cascade"
	"github.com/kostush/purchase-gateway-sub010/idempotency"
	"github.com/kostush/purchase-gateway-sub010/purchase"
	"github.com/kostush/purchase-gateway-sub010/session"
	"github.com/kostush/purchase-gateway-sub010/site"
)

type storedSession struct {
	raw      []byte
	revision int64
}

// memSessions mimics session.Repository, including the revision check.
type memSessions struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]storedSession
	events []purchase.DomainEvent
}

func newMemSessions() *memSessions {
	return &memSessions{rows: make(map[uuid.UUID]storedSession)}
}

func (m *memSessions) Create(_ context.Context, p *purchase.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.SessionID()]; ok {
		return session.ErrDuplicateSession
	}
	raw, err := json.Marshal(p.Snapshot())
	if err != nil {
		return err
	}
	m.rows[p.SessionID()] = storedSession{raw: raw, revision: 1}
	m.events = append(m.events, p.PendingEvents()...)
	p.MarkPersisted(1)
	return nil
}

func (m *memSessions) Load(_ context.Context, id uuid.UUID) (*purchase.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	var snap purchase.Snapshot
	if err := json.Unmarshal(row.raw, &snap); err != nil {
		return nil, err
	}
	p, err := purchase.FromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	p.MarkPersisted(row.revision)
	return p, nil
}

func (m *memSessions) Update(_ context.Context, p *purchase.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[p.SessionID()]
	if !ok {
		return session.ErrNotFound
	}
	if row.revision != p.Revision() {
		return session.ErrConcurrentUpdate
	}
	raw, err := json.Marshal(p.Snapshot())
	if err != nil {
		return err
	}
	m.rows[p.SessionID()] = storedSession{raw: raw, revision: row.revision + 1}
	m.events = append(m.events, p.PendingEvents()...)
	p.MarkPersisted(row.revision + 1)
	return nil
}

func (m *memSessions) eventsOfType(typ string) []purchase.DomainEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []purchase.DomainEvent
	for _, e := range m.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type memPurchases struct {
	mu      sync.Mutex
	records map[uuid.UUID]session.PurchaseRecord
	creates int
}

func newMemPurchases() *memPurchases {
	return &memPurchases{records: make(map[uuid.UUID]session.PurchaseRecord)}
}

func (m *memPurchases) Create(_ context.Context, rec session.PurchaseRecord) (session.PurchaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if existing, ok := m.records[rec.SessionID]; ok {
		return existing, nil
	}
	rec.PurchaseID = uuid.New()
	if rec.MemberID == "" {
		rec.MemberID = uuid.NewString()
	}
	m.records[rec.SessionID] = rec
	return rec, nil
}

func (m *memPurchases) FindBySession(_ context.Context, id uuid.UUID) (session.PurchaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return session.PurchaseRecord{}, session.ErrPurchaseNotFound
	}
	return rec, nil
}

type fakeTransactions struct {
	mu       sync.Mutex
	attempt  func(TransactionRequest) (TransactionResult, error)
	lookup   func(LookupRequest) (TransactionResult, error)
	complete func(CompleteRequest) (TransactionResult, error)
	retrieve func(txID string) (RetrievedTransaction, error)
	interact func(BillerInteraction) (TransactionResult, error)

	attempts      []TransactionRequest
	completeCalls int
	retrieveCalls int
	interactCalls int
}

func (f *fakeTransactions) AttemptTransaction(_ context.Context, req TransactionRequest) (TransactionResult, error) {
	f.mu.Lock()
	f.attempts = append(f.attempts, req)
	fn := f.attempt
	f.mu.Unlock()
	if fn == nil {
		return TransactionResult{TransactionID: uuid.NewString(), Status: StatusApproved}, nil
	}
	return fn(req)
}

func (f *fakeTransactions) PerformLookupThreeD(_ context.Context, req LookupRequest) (TransactionResult, error) {
	if f.lookup == nil {
		return TransactionResult{}, errors.New("lookup not stubbed")
	}
	return f.lookup(req)
}

func (f *fakeTransactions) AttemptCompleteThreeDTransaction(_ context.Context, req CompleteRequest) (TransactionResult, error) {
	f.mu.Lock()
	f.completeCalls++
	fn := f.complete
	f.mu.Unlock()
	if fn == nil {
		return TransactionResult{TransactionID: req.TransactionID, Status: StatusApproved}, nil
	}
	return fn(req)
}

func (f *fakeTransactions) SimplifiedCompleteThreeD(ctx context.Context, req CompleteRequest) (TransactionResult, error) {
	return f.AttemptCompleteThreeDTransaction(ctx, req)
}

func (f *fakeTransactions) GetTransactionDataBy(_ context.Context, txID string, _ uuid.UUID) (RetrievedTransaction, error) {
	f.mu.Lock()
	f.retrieveCalls++
	fn := f.retrieve
	f.mu.Unlock()
	if fn == nil {
		return RetrievedTransaction{TransactionID: txID, Status: StatusPending}, nil
	}
	return fn(txID)
}

func (f *fakeTransactions) AddBillerInteraction(_ context.Context, in BillerInteraction) (TransactionResult, error) {
	f.mu.Lock()
	f.interactCalls++
	fn := f.interact
	f.mu.Unlock()
	if fn == nil {
		return TransactionResult{TransactionID: in.TransactionID, Status: StatusApproved}, nil
	}
	return fn(in)
}

func (f *fakeTransactions) counts() (attempts, completes, interactions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts), f.completeCalls, f.interactCalls
}

type fakeSites map[string]*site.Site

func (f fakeSites) GetSite(_ context.Context, id string) (*site.Site, error) {
	return f[id], nil
}

type fixedCascade struct{ billers []cascade.Biller }

func (f fixedCascade) Select(context.Context, cascade.Request) *cascade.Cascade {
	return cascade.New(f.billers...)
}

type fakeFraud struct{ advice purchase.FraudAdvice }

func (f fakeFraud) RetrieveAdvice(context.Context, FraudRequest) purchase.FraudAdvice { return f.advice }

type recordingPostbacks struct {
	mu     sync.Mutex
	queued []Postback
	urls   []string
}

func (r *recordingPostbacks) Queue(_ context.Context, body Postback, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, body)
	r.urls = append(r.urls, url)
	return nil
}

func (r *recordingPostbacks) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queued)
}

type failingBI struct{ calls atomic.Int32 }

func (f *failingBI) Queue(context.Context, BIEvent) error {
	f.calls.Add(1)
	return errors.New("bi down")
}

type staticURLs struct{}

func (staticURLs) ThreeDCompleteURL(id uuid.UUID) (string, error) {
	return "https://gw/threed/complete/" + id.String(), nil
}
func (staticURLs) ThreeDSimplifiedURL(id uuid.UUID) (string, error) {
	return "https://gw/threed/simplified/" + id.String(), nil
}
func (staticURLs) ThirdPartyReturnURL(id uuid.UUID) (string, error) {
	return "https://gw/return/" + id.String(), nil
}
func (staticURLs) ThirdPartyPostbackURL(id uuid.UUID) (string, error) {
	return "https://gw/postback/" + id.String(), nil
}

type harness struct {
	deps      Deps
	sessions  *memSessions
	purchases *memPurchases
	tx        *fakeTransactions
	postbacks *recordingPostbacks
	bi        *failingBI
	guard     *idempotency.Guard
}

const testSiteID = "site-1"

func newHarness(t *testing.T, billers ...string) *harness {
	t.Helper()
	if len(billers) == 0 {
		billers = []string{cascade.BillerRocketgate}
	}
	bs := make([]cascade.Biller, 0, len(billers))
	for _, name := range billers {
		bs = append(bs, cascade.NewBiller(name))
	}
	h := &harness{
		sessions:  newMemSessions(),
		purchases: newMemPurchases(),
		tx:        &fakeTransactions{},
		postbacks: &recordingPostbacks{},
		bi:        &failingBI{},
		guard:     idempotency.NewGuard(idempotency.NewMemoryStore(), nil),
	}
	h.deps = Deps{
		Sessions:     h.sessions,
		Purchases:    h.purchases,
		Guard:        h.guard,
		Cascades:     fixedCascade{billers: bs},
		Transactions: h.tx,
		Sites: fakeSites{testSiteID: {
			SiteID:          testSiteID,
			BusinessGroupID: "bg-1",
			PostbackURL:     "https://merchant/postback",
			ThreeDEnabled:   true,
			Active:          true,
		}},
		Postbacks:    h.postbacks,
		BI:           h.bi,
		URLs:         staticURLs{},
		ReturnPolicy: ReturnPolicy{InitialInterval: time.Millisecond, MaxElapsed: 30 * time.Millisecond},
	}
	return h
}

func (h *harness) init(t *testing.T, mods ...func(*InitCommand)) uuid.UUID {
	t.Helper()
	cmd := InitCommand{
		SiteID:        testSiteID,
		Currency:      "usd",
		Country:       "ca",
		PaymentType:   "cc",
		PaymentMethod: "visa",
		RedirectURL:   "https://x",
		Main:          Charge{BundleID: "bundle", Amount: decimal.RequireFromString("29.99"), InitialDays: 30},
		CrossSales:    []Charge{{BundleID: "xsell", Amount: decimal.RequireFromString("9.99")}},
	}
	for _, mod := range mods {
		mod(&cmd)
	}
	res, err := NewInitHandler(h.deps).Execute(context.Background(), cmd)
	require.NoError(t, err)
	return res.SessionID
}

func (h *harness) process(t *testing.T, id uuid.UUID) (Result, error) {
	t.Helper()
	return NewProcessHandler(h.deps).Execute(context.Background(), ProcessCommand{
		SessionID: id,
		Payment:   purchase.PaymentInfo{PaymentType: "cc", PaymentMethod: "visa", CCNumber: "4111111111111111", CVV: "123"},
	})
}

func (h *harness) load(t *testing.T, id uuid.UUID) *purchase.Process {
	t.Helper()
	p, err := h.sessions.Load(context.Background(), id)
	require.NoError(t, err)
	return p
}
