package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"valyra/core/events"
	nativecommon "valyra/native/common"
	"valyra/native/fees"
)

// ModuleName identifies the escrow module to pause guards and metrics.
const ModuleName = "escrow"

// Counter names handed to Store.NextID.
const (
	CounterEscrow = "escrow"
	CounterOffer  = "offer"
)

// DefaultVault is the custody account holding escrowed funds.
var DefaultVault = common.BytesToAddress(ethcrypto.Keccak256([]byte("valyra/escrow/vault"))[12:])

// Store persists engine records. Get methods report whether the record
// exists; a missing record is not an error.
type Store interface {
	EscrowGet(id uint64) (*EscrowTransaction, bool, error)
	EscrowPut(esc *EscrowTransaction) error
	DisputeGet(escrowID uint64) (*Dispute, bool, error)
	DisputePut(d *Dispute) error
	TransitionHoldGet(escrowID uint64) (*TransitionHold, bool, error)
	TransitionHoldPut(h *TransitionHold) error
	OfferGet(id uint64) (*Offer, bool, error)
	OfferPut(o *Offer) error
	ListingReservationGet(listingID uint64) (*ListingReservation, bool, error)
	ListingReservationPut(r *ListingReservation) error
	GovernanceGet() (*Governance, bool, error)
	GovernancePut(g *Governance) error
	NextID(counter string) (uint64, error)
}

// Ledger moves value between accounts.
type Ledger interface {
	Balance(addr common.Address) (*big.Int, error)
	Transfer(from, to common.Address, amount *big.Int) error
}

// Catalog resolves listings offered for sale.
type Catalog interface {
	Listing(ctx context.Context, id uint64) (*Listing, bool, error)
}

// Metrics receives engine telemetry.
type Metrics interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObserveTransition(state string)
	ObserveSettlement(kind string, amount *big.Int)
	SetEmergency(active bool)
}

// Engine coordinates escrow lifecycle transitions over the configured store,
// ledger and catalog.
type Engine struct {
	params  Params
	store   Store
	ledger  Ledger
	catalog Catalog
	emitter events.Emitter
	clock   func() time.Time
	logger  *slog.Logger
	metrics Metrics
	vault   common.Address

	locks   *keyedMutex
	idMu    sync.Mutex
	govMu   sync.RWMutex
	gov     *Governance
	lastNow atomic.Int64
}

type engineOptions struct {
	params  Params
	genesis Governance
	emitter events.Emitter
	clock   func() time.Time
	logger  *slog.Logger
	metrics Metrics
	vault   common.Address
}

// Option customises engine construction.
type Option func(*engineOptions)

// WithParams overrides DefaultParams.
func WithParams(p Params) Option {
	return func(o *engineOptions) { o.params = p }
}

// WithGovernance seeds the administrator configuration used when the store
// holds none yet.
func WithGovernance(g Governance) Option {
	return func(o *engineOptions) { o.genesis = *g.Clone() }
}

// WithEmitter routes notifications to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(o *engineOptions) {
		if emitter != nil {
			o.emitter = emitter
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(o *engineOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithVault overrides the custody account.
func WithVault(addr common.Address) Option {
	return func(o *engineOptions) { o.vault = addr }
}

// NewEngine constructs an engine. Governance persisted in the store takes
// precedence over WithGovernance.
func NewEngine(store Store, ledger Ledger, catalog Catalog, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("escrow: store required")
	}
	if ledger == nil {
		return nil, errors.New("escrow: ledger required")
	}
	if catalog == nil {
		return nil, errors.New("escrow: catalog required")
	}
	cfg := engineOptions{
		params:  DefaultParams(),
		genesis: Governance{TransitionPeriod: DefaultTransitionPeriod},
		emitter: events.NoopEmitter{},
		clock:   time.Now,
		logger:  slog.Default(),
		vault:   DefaultVault,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := cfg.params.Validate(); err != nil {
		return nil, err
	}
	if cfg.vault == (common.Address{}) {
		return nil, validationError("vault must be set")
	}
	gov, ok, err := store.GovernanceGet()
	if err != nil {
		return nil, fmt.Errorf("escrow: load governance: %w", err)
	}
	if !ok {
		gov = cfg.genesis.Clone()
		if gov.TransitionPeriod == 0 {
			gov.TransitionPeriod = DefaultTransitionPeriod
		}
		if err := gov.validate(); err != nil {
			return nil, err
		}
		if err := store.GovernancePut(gov); err != nil {
			return nil, fmt.Errorf("escrow: persist governance: %w", err)
		}
	}
	return &Engine{
		params:  cfg.params,
		store:   store,
		ledger:  ledger,
		catalog: catalog,
		emitter: cfg.emitter,
		clock:   cfg.clock,
		logger:  cfg.logger.With("component", ModuleName),
		metrics: cfg.metrics,
		vault:   cfg.vault,
		locks:   newKeyedMutex(),
		gov:     gov,
	}, nil
}

// Params returns the construction-time parameters.
func (e *Engine) Params() Params { return e.params }

// Vault returns the custody account.
func (e *Engine) Vault() common.Address { return e.vault }

// Governance returns a snapshot of the administrator configuration.
func (e *Engine) Governance() *Governance {
	e.govMu.RLock()
	defer e.govMu.RUnlock()
	return e.gov.Clone()
}

// IsPaused implements the module pause view.
func (e *Engine) IsPaused(module string) bool {
	if module != ModuleName {
		return false
	}
	e.govMu.RLock()
	defer e.govMu.RUnlock()
	return e.gov.Paused
}

// Escrow returns a copy of the escrow record.
func (e *Engine) Escrow(_ context.Context, id uint64) (*EscrowTransaction, error) {
	return e.loadEscrow(id)
}

// Dispute returns a copy of the dispute attached to an escrow.
func (e *Engine) Dispute(_ context.Context, escrowID uint64) (*Dispute, error) {
	d, ok, err := e.store.DisputeGet(escrowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("dispute for escrow", escrowID)
	}
	return d, nil
}

// TransitionHold returns a copy of the retainer hold for an escrow.
func (e *Engine) TransitionHold(_ context.Context, escrowID uint64) (*TransitionHold, error) {
	h, ok, err := e.store.TransitionHoldGet(escrowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("transition hold for escrow", escrowID)
	}
	return h, nil
}

// CalculateFees splits amount using the configured platform fee.
func (e *Engine) CalculateFees(amount *big.Int) (fees.Split, error) {
	split, err := fees.CalculateFees(amount, e.params.PlatformFeeBps)
	if err != nil {
		return fees.Split{}, validationError("%v", err)
	}
	return split, nil
}

// Offer returns a copy of an offer.
func (e *Engine) Offer(_ context.Context, id uint64) (*Offer, error) {
	return e.loadOffer(id)
}

// now returns the current unix time, never earlier than a value already
// observed by this engine.
func (e *Engine) now() int64 {
	current := e.clock().Unix()
	for {
		last := e.lastNow.Load()
		if current <= last {
			return last
		}
		if e.lastNow.CompareAndSwap(last, current) {
			return current
		}
	}
}

func (e *Engine) requireActive() error {
	if err := nativecommon.Guard(e, ModuleName); err != nil {
		return fmt.Errorf("%w: %w", ErrPaused, err)
	}
	return nil
}

func (e *Engine) governance() *Governance {
	e.govMu.RLock()
	defer e.govMu.RUnlock()
	return e.gov.Clone()
}

func (e *Engine) loadEscrow(id uint64) (*EscrowTransaction, error) {
	esc, ok, err := e.store.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("escrow", id)
	}
	return esc, nil
}

func (e *Engine) loadOffer(id uint64) (*Offer, error) {
	offer, ok, err := e.store.OfferGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("offer", id)
	}
	return offer, nil
}

func (e *Engine) lookupListing(ctx context.Context, id uint64) (*Listing, error) {
	listing, ok, err := e.catalog.Listing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: catalog lookup: %w", err)
	}
	if !ok || listing == nil {
		return nil, notFound("listing", id)
	}
	if !listing.Active {
		return nil, validationError("listing %d is not active", id)
	}
	if listing.Price == nil || listing.Price.Sign() <= 0 {
		return nil, validationError("listing %d has no price", id)
	}
	return listing, nil
}

func (e *Engine) nextID(counter string) (uint64, error) {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return e.store.NextID(counter)
}

// requireFunds rejects a pull that the payer's balance cannot cover.
func (e *Engine) requireFunds(payer common.Address, amount *big.Int) error {
	balance, err := e.ledger.Balance(payer)
	if err != nil {
		return fmt.Errorf("escrow: read balance: %w", err)
	}
	if balance == nil || balance.Cmp(amount) < 0 {
		return validationError("insufficient balance: have %s, need %s", amountOrZero(balance), amount)
	}
	return nil
}

// pay moves amount out of custody. Zero amounts are skipped.
func (e *Engine) pay(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := e.ledger.Transfer(e.vault, to, amount); err != nil {
		return fmt.Errorf("escrow: payout to %s: %w", to.Hex(), err)
	}
	return nil
}

func (e *Engine) collect(from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := e.ledger.Transfer(from, e.vault, amount); err != nil {
		return fmt.Errorf("escrow: collect from %s: %w", from.Hex(), err)
	}
	return nil
}

func (e *Engine) emit(evts ...events.Event) {
	for _, evt := range evts {
		e.emitter.Emit(evt)
	}
}

// observe records the outcome of op. Intended for use as
// defer e.observe("op", time.Now(), &err).
func (e *Engine) observe(op string, started time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	outcome := Kind(err)
	if e.metrics != nil {
		e.metrics.ObserveOperation(op, outcome, time.Since(started))
	}
	switch outcome {
	case "ok":
	case "internal":
		e.logger.Error("escrow operation failed", "op", op, "error", err)
	default:
		e.logger.Debug("escrow operation rejected", "op", op, "kind", outcome, "error", err)
	}
}

func (e *Engine) transitioned(state EscrowState) {
	if e.metrics != nil {
		e.metrics.ObserveTransition(state.String())
	}
}

func (e *Engine) settled(kind string, amount *big.Int) {
	if e.metrics != nil && amount != nil && amount.Sign() > 0 {
		e.metrics.ObserveSettlement(kind, amount)
	}
}

func amountOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
