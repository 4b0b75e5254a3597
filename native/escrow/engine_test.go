package escrow

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"escrowd/core/events"
	"escrowd/storage"
)

type transferCall struct {
	addr   common.Address
	amount *big.Int
	asset  Asset
}

type mockTransfer struct {
	pulls   []transferCall
	pushes  []transferCall
	pullErr error
	pushErr error
}

func (m *mockTransfer) Pull(from common.Address, amount *big.Int, asset Asset) error {
	if m.pullErr != nil {
		return m.pullErr
	}
	m.pulls = append(m.pulls, transferCall{addr: from, amount: new(big.Int).Set(amount), asset: asset})
	return nil
}

func (m *mockTransfer) Push(to common.Address, amount *big.Int, asset Asset) error {
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushes = append(m.pushes, transferCall{addr: to, amount: new(big.Int).Set(amount), asset: asset})
	return nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func newTestAddress(fill byte) common.Address {
	var addr common.Address
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

const testNow int64 = 1_700_000_000

func newTestEngine(t *testing.T) (*Engine, *mockTransfer, *captureEmitter) {
	t.Helper()
	store, err := NewStore(storage.NewMemDB())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	transfer := &mockTransfer{}
	engine := NewEngine(store, transfer)
	emitter := &captureEmitter{}
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return testNow })
	return engine, transfer, emitter
}

func mustCreateNative(t *testing.T, engine *Engine, owner common.Address, amount int64) uint64 {
	t.Helper()
	amt := big.NewInt(amount)
	id, err := engine.Create(owner, amt, NativeAsset(), 1, "ref1", amt)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestCreateNativeRoundTrip(t *testing.T) {
	engine, transfer, emitter := newTestEngine(t)
	owner := newTestAddress(0x01)

	id, err := engine.Create(owner, big.NewInt(1_000_000), NativeAsset(), 1, "ref1", big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}
	rec, err := engine.Record(id)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Status != StatusOpen {
		t.Fatalf("expected open status, got %s", rec.Status)
	}
	if rec.Owner != owner {
		t.Fatalf("owner mismatch")
	}
	if rec.Amount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("amount mismatch: %s", rec.Amount)
	}
	if rec.Asset.Kind != AssetNative {
		t.Fatalf("expected native asset, got %s", rec.Asset)
	}
	if rec.DescriptionRef != "ref1" {
		t.Fatalf("description mismatch: %q", rec.DescriptionRef)
	}
	if rec.Deadline != testNow+86_400 {
		t.Fatalf("expected deadline %d, got %d", testNow+86_400, rec.Deadline)
	}
	if rec.Recipient != nil {
		t.Fatalf("recipient must be unset on creation")
	}
	if len(transfer.pulls) != 1 || transfer.pulls[0].addr != owner {
		t.Fatalf("expected one pull from owner, got %+v", transfer.pulls)
	}
	if len(emitter.events) != 1 || emitter.events[0].Type != EventTypeCreated {
		t.Fatalf("expected one created event, got %+v", emitter.events)
	}
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	owner := newTestAddress(0x01)
	for want := uint64(1); want <= 5; want++ {
		id := mustCreateNative(t, engine, owner, 100)
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	token := newTestAddress(0xEE)
	cases := []struct {
		name     string
		amount   *big.Int
		asset    Asset
		duration uint64
		desc     string
		value    *big.Int
		wantErr  error
	}{
		{"zero amount", big.NewInt(0), NativeAsset(), 1, "ref", big.NewInt(0), ErrInvalidAmount},
		{"negative amount", big.NewInt(-5), NativeAsset(), 1, "ref", big.NewInt(0), ErrInvalidAmount},
		{"zero duration", big.NewInt(10), NativeAsset(), 0, "ref", big.NewInt(10), ErrInvalidDuration},
		{"oversized duration", big.NewInt(10), NativeAsset(), 1 << 50, "ref", big.NewInt(10), ErrInvalidDuration},
		{"blank description", big.NewInt(10), NativeAsset(), 1, "   ", big.NewInt(10), ErrInvalidDescription},
		{"native value mismatch", big.NewInt(10), NativeAsset(), 1, "ref", big.NewInt(9), ErrAmountMismatch},
		{"token with native value", big.NewInt(10), TokenAsset(token), 1, "ref", big.NewInt(1), ErrUnexpectedNativeValue},
		{"primary with native value", big.NewInt(10), PrimaryTokenAsset(), 1, "ref", big.NewInt(1), ErrUnexpectedNativeValue},
		{"primary unconfigured", big.NewInt(10), PrimaryTokenAsset(), 1, "ref", big.NewInt(0), ErrInvalidAddress},
		{"zero token address", big.NewInt(10), TokenAsset(common.Address{}), 1, "ref", big.NewInt(0), ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, transfer, _ := newTestEngine(t)
			owner := newTestAddress(0x01)
			_, err := engine.Create(owner, tc.amount, tc.asset, tc.duration, tc.desc, tc.value)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if len(transfer.pulls) != 0 {
				t.Fatalf("no funds should move on a rejected create")
			}
			if _, err := engine.Record(1); !errors.Is(err, ErrNotFound) {
				t.Fatalf("no record should be persisted, got %v", err)
			}
		})
	}
}

func TestCreateRejectedKeepsIDCounter(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	owner := newTestAddress(0x01)
	if _, err := engine.Create(owner, big.NewInt(10), NativeAsset(), 1, "ref", big.NewInt(9)); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if id := mustCreateNative(t, engine, owner, 10); id != 1 {
		t.Fatalf("rejected create must not consume an id, got %d", id)
	}
}

func TestCreatePrimaryTokenResolvesAtCreation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	admin := newTestAddress(0xAD)
	engine.SetAdmin(admin)
	first := newTestAddress(0xE1)
	second := newTestAddress(0xE2)
	if err := engine.SetPrimaryToken(admin, first); err != nil {
		t.Fatalf("set primary token: %v", err)
	}
	owner := newTestAddress(0x01)
	id, err := engine.Create(owner, big.NewInt(50), PrimaryTokenAsset(), 2, "ref", big.NewInt(0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.SetPrimaryToken(admin, second); err != nil {
		t.Fatalf("set primary token again: %v", err)
	}
	rec, err := engine.Record(id)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Asset.Kind != AssetToken || rec.Asset.Token != first {
		t.Fatalf("resolved asset must stay pinned to %s, got %s", first.Hex(), rec.Asset)
	}
}

func TestCreatePullFailure(t *testing.T) {
	engine, transfer, _ := newTestEngine(t)
	transfer.pullErr = errors.New("no allowance")
	owner := newTestAddress(0x01)
	_, err := engine.Create(owner, big.NewInt(10), TokenAsset(newTestAddress(0xEE)), 1, "ref", big.NewInt(0))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, err := engine.Record(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no record should exist after a failed pull")
	}
}

func TestCreatePersistFailureLeavesNoRecord(t *testing.T) {
	db := &failingWriteDB{Database: storage.NewMemDB()}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	transfer := &mockTransfer{}
	engine := NewEngine(store, transfer)
	engine.SetNowFunc(func() int64 { return testNow })

	db.writeErr = errors.New("disk full")
	owner := newTestAddress(0x01)
	amt := big.NewInt(100)
	if _, err := engine.Create(owner, amt, NativeAsset(), 1, "ref", amt); err == nil {
		t.Fatalf("expected persist failure to surface")
	}
	if len(transfer.pushes) != 1 || transfer.pushes[0].addr != owner {
		t.Fatalf("pulled funds must be handed back to the owner, got %+v", transfer.pushes)
	}
	// A record left behind here would still be Open and cancellable, paying
	// the owner a second time on top of the rollback push.
	if _, err := engine.Record(1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed create must not leave a record behind, got %v", err)
	}

	db.writeErr = nil
	if id := mustCreateNative(t, engine, owner, 100); id != 1 {
		t.Fatalf("expected id 1 after recovery, got %d", id)
	}
}

func TestSameRecordOperationsSerialized(t *testing.T) {
	engine, transfer, _ := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	id := mustCreateNative(t, engine, owner, 100)

	start := make(chan struct{})
	results := make(chan error, 2)
	go func() {
		<-start
		results <- engine.Complete(id, owner, recipient)
	}()
	go func() {
		<-start
		results <- engine.Cancel(id, owner)
	}()
	close(start)

	var failure error
	wins := 0
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			failure = err
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one of complete/cancel must win, got %d", wins)
	}
	rec, err := engine.Record(id)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	switch rec.Status {
	case StatusCompleted:
		if !errors.Is(failure, ErrAlreadyCompleted) {
			t.Fatalf("loser must see ErrAlreadyCompleted, got %v", failure)
		}
	case StatusRefunded:
		if !errors.Is(failure, ErrAlreadyRefunded) {
			t.Fatalf("loser must see ErrAlreadyRefunded, got %v", failure)
		}
	default:
		t.Fatalf("record must end in a terminal state, got %s", rec.Status)
	}
	if len(transfer.pushes) != 1 {
		t.Fatalf("funds must move exactly once, got %d pushes", len(transfer.pushes))
	}
}

func TestCompleteReleasesToRecipient(t *testing.T) {
	engine, transfer, emitter := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)
	id := mustCreateNative(t, engine, owner, 1_000_000)

	if err := engine.Complete(id, owner, recipient); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, err := engine.Record(id)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.Recipient == nil || *rec.Recipient != recipient {
		t.Fatalf("recipient not recorded")
	}
	if len(transfer.pushes) != 1 {
		t.Fatalf("expected exactly one push, got %d", len(transfer.pushes))
	}
	push := transfer.pushes[0]
	if push.addr != recipient || push.amount.Cmp(big.NewInt(1_000_000)) != 0 || push.asset.Kind != AssetNative {
		t.Fatalf("unexpected push %+v", push)
	}
	last := emitter.events[len(emitter.events)-1]
	if last.Type != EventTypeCompleted {
		t.Fatalf("expected completed event, got %s", last.Type)
	}
	if last.Attributes["recipient"] != recipient.Hex() {
		t.Fatalf("completed event missing recipient")
	}
}

func TestCompleteGuards(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	owner := newTestAddress(0x01)
	stranger := newTestAddress(0x03)
	recipient := newTestAddress(0x02)
	id := mustCreateNative(t, engine, owner, 100)

	if err := engine.Complete(99, owner, recipient); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := engine.Complete(id, stranger, recipient); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	rec, _ := engine.Record(id)
	if rec.Status != StatusOpen {
		t.Fatalf("unauthorized complete must not mutate the record")
	}
	if err := engine.Complete(id, owner, common.Address{}); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + 86_401 })
	if err := engine.Complete(id, owner, recipient); !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("expected ErrDeadlineExpired, got %v", err)
	}
}

func TestCompleteAtDeadlineBoundary(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	owner := newTestAddress(0x01)
	id := mustCreateNative(t, engine, owner, 100)
	engine.SetNowFunc(func() int64 { return testNow + 86_400 })
	if err := engine.Complete(id, owner, newTestAddress(0x02)); err != nil {
		t.Fatalf("complete exactly at the deadline must succeed: %v", err)
	}
}

func TestCancelThenCompleteFails(t *testing.T) {
	engine, transfer, emitter := newTestEngine(t)
	owner := newTestAddress(0x01)
	id := mustCreateNative(t, engine, owner, 100)

	if err := engine.Cancel(id, owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	rec, _ := engine.Record(id)
	if rec.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", rec.Status)
	}
	if len(transfer.pushes) != 1 || transfer.pushes[0].addr != owner {
		t.Fatalf("cancel must push back to the owner")
	}
	last := emitter.events[len(emitter.events)-1]
	if last.Type != EventTypeRefunded {
		t.Fatalf("cancel must emit the refund event, got %s", last.Type)
	}
	if err := engine.Complete(id, owner, newTestAddress(0x02)); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestRequestRefundDeadlineGate(t *testing.T) {
	engine, transfer, _ := newTestEngine(t)
	owner := newTestAddress(0x01)
	id := mustCreateNative(t, engine, owner, 100)

	if err := engine.RequestRefund(id, owner); !errors.Is(err, ErrDeadlineNotYetPassed) {
		t.Fatalf("expected ErrDeadlineNotYetPassed, got %v", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + 86_401 })
	if err := engine.RequestRefund(id, owner); err != nil {
		t.Fatalf("refund after deadline: %v", err)
	}
	rec, _ := engine.Record(id)
	if rec.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", rec.Status)
	}
	if len(transfer.pushes) != 1 || transfer.pushes[0].addr != owner {
		t.Fatalf("refund must push back to the owner")
	}
}

func TestCancelAfterDeadlineFails(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	owner := newTestAddress(0x01)
	id := mustCreateNative(t, engine, owner, 100)
	engine.SetNowFunc(func() int64 { return testNow + 86_401 })
	if err := engine.Cancel(id, owner); !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("expected ErrDeadlineExpired, got %v", err)
	}
}

func TestTerminalStatesRejectRepeats(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	owner := newTestAddress(0x01)
	recipient := newTestAddress(0x02)

	completed := mustCreateNative(t, engine, owner, 100)
	if err := engine.Complete(completed, owner, recipient); err != nil {
		t.Fatalf("complete: %v", err)
	}
	for name, call := range map[string]func() error{
		"complete": func() error { return engine.Complete(completed, owner, recipient) },
		"refund":   func() error { return engine.RequestRefund(completed, owner) },
		"cancel":   func() error { return engine.Cancel(completed, owner) },
	} {
		if err := call(); !errors.Is(err, ErrAlreadyCompleted) {
			t.Fatalf("%s on completed record: expected ErrAlreadyCompleted, got %v", name, err)
		}
	}

	refunded := mustCreateNative(t, engine, owner, 100)
	if err := engine.Cancel(refunded, owner); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for name, call := range map[string]func() error{
		"complete": func() error { return engine.Complete(refunded, owner, recipient) },
		"refund":   func() error { return engine.RequestRefund(refunded, owner) },
		"cancel":   func() error { return engine.Cancel(refunded, owner) },
	} {
		if err := call(); !errors.Is(err, ErrAlreadyRefunded) {
			t.Fatalf("%s on refunded record: expected ErrAlreadyRefunded, got %v", name, err)
		}
	}
}

func TestCompletePushFailureLeavesRecordOpen(t *testing.T) {
	engine, transfer, _ := newTestEngine(t)
	owner := newTestAddress(0x01)
	id := mustCreateNative(t, engine, owner, 100)

	transfer.pushErr = errors.New("custody unavailable")
	err := engine.Complete(id, owner, newTestAddress(0x02))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	rec, _ := engine.Record(id)
	if rec.Status != StatusOpen {
		t.Fatalf("failed transfer must not commit a transition, got %s", rec.Status)
	}
	if rec.Recipient != nil {
		t.Fatalf("failed transfer must not record a recipient")
	}

	transfer.pushErr = nil
	if err := engine.Complete(id, owner, newTestAddress(0x02)); err != nil {
		t.Fatalf("retry after transfer failure: %v", err)
	}
}

func TestSetPrimaryTokenGuards(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	admin := newTestAddress(0xAD)
	engine.SetAdmin(admin)

	if err := engine.SetPrimaryToken(newTestAddress(0x01), newTestAddress(0xE1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.SetPrimaryToken(admin, common.Address{}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	token := newTestAddress(0xE1)
	if err := engine.SetPrimaryToken(admin, token); err != nil {
		t.Fatalf("set primary token: %v", err)
	}
	if engine.PrimaryToken() != token {
		t.Fatalf("primary token not stored")
	}
}

func TestSetPrimaryTokenWithoutAdminConfigured(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if err := engine.SetPrimaryToken(common.Address{}, newTestAddress(0xE1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("zero admin must reject all callers, got %v", err)
	}
}
