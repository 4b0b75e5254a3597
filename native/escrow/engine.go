package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowd/core/events"
)

var (
	errNilStore    = errors.New("escrow engine: store not configured")
	errNilTransfer = errors.New("escrow engine: transfer capability not configured")
)

// Transfer is the injected asset-movement capability. Pull moves amount of
// asset from the source's external balance into escrow custody; Push moves it
// from custody to the destination. For the native asset, Pull realises the
// value the caller attached to the create call. Both are all-or-nothing: a
// failed call must leave balances untouched.
type Transfer interface {
	Pull(from common.Address, amount *big.Int, asset Asset) error
	Push(to common.Address, amount *big.Int, asset Asset) error
}

const lockStripes = 64

// maxDurationDays bounds the escrow duration to a century, well below the
// point where converting the duration to Unix seconds would overflow int64.
const maxDurationDays = 36500

// Engine drives the escrow state machine: it validates operation guards
// against the current record state and wall-clock time, moves value through
// the Transfer capability, and persists transitions through the Store.
// Operations on the same record id are serialized; operations on different
// ids may run concurrently.
type Engine struct {
	store    *Store
	transfer Transfer
	emitter  events.Emitter
	nowFn    func() int64
	admin    common.Address

	tokenMu      sync.RWMutex
	primaryToken common.Address

	locks [lockStripes]sync.Mutex
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine(store *Store, transfer Transfer) *Engine {
	return &Engine{
		store:    store,
		transfer: transfer,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetAdmin configures the administrator identity allowed to change the
// primary-token address.
func (e *Engine) SetAdmin(addr common.Address) { e.admin = addr }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) recordLock(id uint64) *sync.Mutex {
	return &e.locks[id%lockStripes]
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if e.transfer == nil {
		return errNilTransfer
	}
	return nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// SetPrimaryToken updates the process-wide token address the primary-token
// sentinel resolves to in future creations. Only the configured administrator
// may call it; already-created records keep their resolved asset.
func (e *Engine) SetPrimaryToken(caller, addr common.Address) error {
	if caller != e.admin || e.admin == (common.Address{}) {
		return ErrUnauthorized
	}
	if addr == (common.Address{}) {
		return ErrInvalidAddress
	}
	e.tokenMu.Lock()
	e.primaryToken = addr
	e.tokenMu.Unlock()
	return nil
}

// PrimaryToken returns the currently configured primary-token address. The
// zero address means no primary token is configured.
func (e *Engine) PrimaryToken() common.Address {
	e.tokenMu.RLock()
	defer e.tokenMu.RUnlock()
	return e.primaryToken
}

// resolveAsset maps the caller-supplied asset onto one of the three funding
// paths, checking the attached native value against each path's rules.
func (e *Engine) resolveAsset(asset Asset, amount, nativeValue *big.Int) (Asset, error) {
	attached := cloneBigInt(nativeValue)
	switch asset.Kind {
	case AssetNative:
		if attached.Cmp(amount) != 0 {
			return Asset{}, ErrAmountMismatch
		}
		return NativeAsset(), nil
	case AssetPrimaryToken:
		if attached.Sign() != 0 {
			return Asset{}, ErrUnexpectedNativeValue
		}
		token := e.PrimaryToken()
		if token == (common.Address{}) {
			return Asset{}, fmt.Errorf("%w: primary token not configured", ErrInvalidAddress)
		}
		return TokenAsset(token), nil
	case AssetToken:
		if attached.Sign() != 0 {
			return Asset{}, ErrUnexpectedNativeValue
		}
		if asset.Token == (common.Address{}) {
			return Asset{}, ErrInvalidAddress
		}
		return asset, nil
	default:
		return Asset{}, fmt.Errorf("%w: unknown asset kind %d", ErrInvalidAddress, asset.Kind)
	}
}

// Create validates the escrow terms, takes custody of the funds, and persists
// a new Open record, returning its assigned id. No record is persisted when
// any guard fails or the funding pull fails.
func (e *Engine) Create(owner common.Address, amount *big.Int, asset Asset, durationDays uint64, descriptionRef string, nativeValue *big.Int) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if durationDays == 0 || durationDays > maxDurationDays {
		return 0, ErrInvalidDuration
	}
	if strings.TrimSpace(descriptionRef) == "" {
		return 0, ErrInvalidDescription
	}
	resolved, err := e.resolveAsset(asset, amt, nativeValue)
	if err != nil {
		return 0, err
	}
	if err := e.transfer.Pull(owner, amt, resolved); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	now := e.now()
	rec := &Record{
		Owner:          owner,
		Amount:         amt,
		Asset:          resolved,
		Deadline:       now + int64(durationDays)*int64(24*time.Hour/time.Second),
		DescriptionRef: descriptionRef,
		CreatedAt:      now,
		Status:         StatusOpen,
	}
	id, err := e.store.Create(rec)
	if err != nil {
		// Funds are already in custody; hand them back before reporting.
		if pushErr := e.transfer.Push(owner, amt, resolved); pushErr != nil {
			return 0, fmt.Errorf("escrow engine: persist failed (%v) and rollback push failed: %w", err, pushErr)
		}
		return 0, err
	}
	rec.ID = id
	e.emit(NewCreatedEvent(rec))
	return id, nil
}

// Complete releases the escrowed funds to the recipient before the deadline.
// Only the record owner may complete, and only while the record is Open.
func (e *Engine) Complete(id uint64, caller, recipient common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if err := authorizeOpen(rec, caller); err != nil {
		return err
	}
	if e.now() > rec.Deadline {
		return ErrDeadlineExpired
	}
	if recipient == (common.Address{}) {
		return ErrInvalidRecipient
	}
	updated := rec.Clone()
	updated.Recipient = &recipient
	updated.Status = StatusCompleted
	if err := e.settle(updated, recipient); err != nil {
		return err
	}
	e.emit(NewCompletedEvent(updated))
	return nil
}

// RequestRefund returns the escrowed funds to the owner once the deadline has
// passed. Callers wanting out before the deadline must use Cancel instead.
func (e *Engine) RequestRefund(id uint64, caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if err := authorizeOpen(rec, caller); err != nil {
		return err
	}
	if e.now() <= rec.Deadline {
		return ErrDeadlineNotYetPassed
	}
	return e.refund(rec)
}

// Cancel returns the escrowed funds to the owner before the deadline. After
// the deadline RequestRefund is the applicable operation. Cancellation and
// refund share the same terminal state and notification.
func (e *Engine) Cancel(id uint64, caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.recordLock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if err := authorizeOpen(rec, caller); err != nil {
		return err
	}
	if e.now() > rec.Deadline {
		return ErrDeadlineExpired
	}
	return e.refund(rec)
}

// Record returns a copy of the record with the given id.
func (e *Engine) Record(id uint64) (*Record, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// authorizeOpen checks the guards shared by every mutating transition:
// ownership first, then that the record has not already reached a terminal
// state.
func authorizeOpen(rec *Record, caller common.Address) error {
	if caller != rec.Owner {
		return ErrUnauthorized
	}
	switch rec.Status {
	case StatusCompleted:
		return ErrAlreadyCompleted
	case StatusRefunded:
		return ErrAlreadyRefunded
	}
	return nil
}

func (e *Engine) refund(rec *Record) error {
	updated := rec.Clone()
	updated.Status = StatusRefunded
	if err := e.settle(updated, rec.Owner); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(updated))
	return nil
}

// settle pushes the escrowed amount to the destination and persists the
// already-mutated record as one unit: the record is only written after the
// transfer capability confirms success, and a failed write is compensated by
// pulling the funds back into custody so no partial commit is observable.
func (e *Engine) settle(rec *Record, dest common.Address) error {
	if err := e.transfer.Push(dest, rec.Amount, rec.Asset); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.store.Update(rec); err != nil {
		if pullErr := e.transfer.Pull(dest, rec.Amount, rec.Asset); pullErr != nil {
			return fmt.Errorf("escrow engine: persist failed (%v) and rollback pull failed: %w", err, pullErr)
		}
		return err
	}
	return nil
}
