package escrow

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"valyra/core/events"
	"valyra/core/types"
)

type mockState struct {
	mu           sync.Mutex
	escrows      map[uint64]*EscrowTransaction
	disputes     map[uint64]*Dispute
	holds        map[uint64]*TransitionHold
	offers       map[uint64]*Offer
	reservations map[uint64]*ListingReservation
	gov          *Governance
	counters     map[string]uint64
	failPut      bool
}

func newMockState() *mockState {
	return &mockState{
		escrows:      make(map[uint64]*EscrowTransaction),
		disputes:     make(map[uint64]*Dispute),
		holds:        make(map[uint64]*TransitionHold),
		offers:       make(map[uint64]*Offer),
		reservations: make(map[uint64]*ListingReservation),
		counters:     make(map[string]uint64),
	}
}

var errStoreDown = errors.New("store unavailable")

func (m *mockState) EscrowGet(id uint64) (*EscrowTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escrows[id]
	return esc.Clone(), ok, nil
}

func (m *mockState) EscrowPut(esc *EscrowTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errStoreDown
	}
	m.escrows[esc.ID] = esc.Clone()
	return nil
}

func (m *mockState) DisputeGet(id uint64) (*Dispute, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	return d.Clone(), ok, nil
}

func (m *mockState) DisputePut(d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.EscrowID] = d.Clone()
	return nil
}

func (m *mockState) TransitionHoldGet(id uint64) (*TransitionHold, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[id]
	return h.Clone(), ok, nil
}

func (m *mockState) TransitionHoldPut(h *TransitionHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds[h.EscrowID] = h.Clone()
	return nil
}

func (m *mockState) OfferGet(id uint64) (*Offer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	return o.Clone(), ok, nil
}

func (m *mockState) OfferPut(o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o.Clone()
	return nil
}

func (m *mockState) ListingReservationGet(id uint64) (*ListingReservation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, false, nil
	}
	clone := *r
	return &clone, true, nil
}

func (m *mockState) ListingReservationPut(r *ListingReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *r
	m.reservations[r.ListingID] = &clone
	return nil
}

func (m *mockState) GovernanceGet() (*Governance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gov == nil {
		return nil, false, nil
	}
	return m.gov.Clone(), true, nil
}

func (m *mockState) GovernancePut(g *Governance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gov = g.Clone()
	return nil
}

func (m *mockState) NextID(counter string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counter]++
	return m.counters[counter], nil
}

type mockLedger struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[common.Address]*big.Int)}
}

func (l *mockLedger) Balance(addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (l *mockLedger) Transfer(from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.balances[from]
	if src == nil || src.Cmp(amount) < 0 {
		return errors.New("insufficient funds")
	}
	src.Sub(src, amount)
	dst := l.balances[to]
	if dst == nil {
		dst = big.NewInt(0)
		l.balances[to] = dst
	}
	dst.Add(dst, amount)
	return nil
}

func (l *mockLedger) credit(addr common.Address, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = big.NewInt(amount)
}

func (l *mockLedger) balance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	bal, err := l.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

type mockCatalog struct {
	listings map[uint64]*Listing
}

func (c *mockCatalog) Listing(_ context.Context, id uint64) (*Listing, bool, error) {
	l, ok := c.listings[id]
	if !ok {
		return nil, false, nil
	}
	clone := *l
	clone.Price = new(big.Int).Set(l.Price)
	return &clone, true, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder reads the engine's notifications back from an events.Log. reset
// hides everything recorded so far from kinds and last.
type recorder struct {
	log   *events.Log
	after uint64
}

func newRecorder() *recorder {
	return &recorder{log: events.NewLog()}
}

func (r *recorder) Emit(evt events.Event) {
	r.log.Emit(evt)
}

func (r *recorder) recent() []*types.Event {
	records := r.log.Since(r.after, 0)
	out := make([]*types.Event, len(records))
	for i, rec := range records {
		out[i] = rec.Event
	}
	return out
}

func (r *recorder) kinds() []string {
	recent := r.recent()
	out := make([]string, len(recent))
	for i, evt := range recent {
		out[i] = evt.Type
	}
	return out
}

func (r *recorder) last(eventType string) *types.Event {
	recent := r.recent()
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Type == eventType {
			return recent[i]
		}
	}
	return nil
}

func (r *recorder) reset() {
	r.after = uint64(r.log.Len())
}

func newTestAddress(fill byte) common.Address {
	return common.BytesToAddress(bytes.Repeat([]byte{fill}, common.AddressLength))
}

var (
	owner    = newTestAddress(0x01)
	treasury = newTestAddress(0x02)
	resolver = newTestAddress(0x03)
	buyer    = newTestAddress(0x10)
	seller   = newTestAddress(0x20)
	stranger = newTestAddress(0x30)
	credHash = common.HexToHash("0xc0ffee")
)

const (
	listingID    = 7
	listingPrice = 1_000_000
)

type harness struct {
	t       *testing.T
	engine  *Engine
	state   *mockState
	ledger  *mockLedger
	catalog *mockCatalog
	clock   *testClock
	events  *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		state:  newMockState(),
		ledger: newMockLedger(),
		catalog: &mockCatalog{listings: map[uint64]*Listing{
			listingID: {ID: listingID, Seller: seller, Price: big.NewInt(listingPrice), Active: true},
			8:         {ID: 8, Seller: seller, Price: big.NewInt(500), Active: true},
			9:         {ID: 9, Seller: seller, Price: big.NewInt(500), Active: false},
		}},
		clock:  &testClock{now: time.Unix(1_700_000_000, 0)},
		events: newRecorder(),
	}
	h.ledger.credit(buyer, 5_000_000)
	engine, err := NewEngine(h.state, h.ledger, h.catalog,
		WithGovernance(Governance{
			Owner:            owner,
			Treasury:         treasury,
			Resolvers:        []common.Address{resolver},
			TransitionPeriod: DefaultTransitionPeriod,
		}),
		WithClock(h.clock.Now),
		WithEmitter(h.events),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) deposit() uint64 {
	h.t.Helper()
	id, err := h.engine.Deposit(context.Background(), buyer, listingID, big.NewInt(listingPrice), EncryptionEciesWallet)
	if err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
	return id
}

func (h *harness) deliver() uint64 {
	h.t.Helper()
	id := h.deposit()
	if err := h.engine.UploadCredentialHash(context.Background(), seller, id, credHash); err != nil {
		h.t.Fatalf("upload: %v", err)
	}
	return id
}

func (h *harness) escrow(id uint64) *EscrowTransaction {
	h.t.Helper()
	esc, err := h.engine.Escrow(context.Background(), id)
	if err != nil {
		h.t.Fatalf("escrow %d: %v", id, err)
	}
	return esc
}

func requireKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func TestNewEngineRequiresGovernance(t *testing.T) {
	_, err := NewEngine(newMockState(), newMockLedger(), &mockCatalog{})
	requireKind(t, err, ErrValidation)
}

func TestNewEngineLoadsPersistedGovernance(t *testing.T) {
	state := newMockState()
	state.gov = &Governance{Owner: stranger, Treasury: treasury, TransitionPeriod: time.Hour}
	engine, err := NewEngine(state, newMockLedger(), &mockCatalog{},
		WithGovernance(Governance{Owner: owner, Treasury: treasury, TransitionPeriod: time.Hour}))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if got := engine.Governance().Owner; got != stranger {
		t.Fatalf("expected persisted owner, got %s", got.Hex())
	}
}

func TestNewEngineRejectsInvalidParams(t *testing.T) {
	params := DefaultParams()
	params.PlatformFeeBps = 10_001
	_, err := NewEngine(newMockState(), newMockLedger(), &mockCatalog{},
		WithParams(params),
		WithGovernance(Governance{Owner: owner, Treasury: treasury}))
	requireKind(t, err, ErrValidation)

	params = DefaultParams()
	params.VerifyWindow = params.HandoverWindow
	_, err = NewEngine(newMockState(), newMockLedger(), &mockCatalog{},
		WithParams(params),
		WithGovernance(Governance{Owner: owner, Treasury: treasury}))
	requireKind(t, err, ErrValidation)
}

func TestClockNeverRegresses(t *testing.T) {
	h := newHarness(t)
	first := h.engine.now()
	h.clock.Advance(-time.Hour)
	if got := h.engine.now(); got != first {
		t.Fatalf("expected clamped time %d, got %d", first, got)
	}
}

func TestKind(t *testing.T) {
	cases := map[string]error{
		"ok":            nil,
		"authorization": authError("x"),
		"state":         stateError("x"),
		"deadline":      deadlineError("x"),
		"validation":    notFound("escrow", 1),
		"paused":        ErrPaused,
		"internal":      errStoreDown,
	}
	for want, err := range cases {
		if got := Kind(err); got != want {
			t.Fatalf("Kind(%v) = %s, want %s", err, got, want)
		}
	}
}
