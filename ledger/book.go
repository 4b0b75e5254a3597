// Package ledger provides the asset-transfer capability backing the escrow
// engine: a double-entry book of native and token balances per address, plus
// a custody account holding everything currently locked in escrow.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"escrowd/native/escrow"
	"escrowd/storage"
)

// ErrInsufficientBalance is returned when a pull or push would overdraw the
// source account.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

var (
	accountKeyPrefix = []byte("ledger/account/")
	custodyKey       = []byte("ledger/custody")
)

// Account holds one address's balances: the native currency plus arbitrary
// token balances keyed by token address.
type Account struct {
	Native *big.Int                    `json:"native"`
	Tokens map[common.Address]*big.Int `json:"tokens,omitempty"`
}

func newAccount() *Account {
	return &Account{Native: big.NewInt(0), Tokens: make(map[common.Address]*big.Int)}
}

func (a *Account) normalize() {
	if a.Native == nil {
		a.Native = big.NewInt(0)
	}
	if a.Tokens == nil {
		a.Tokens = make(map[common.Address]*big.Int)
	}
}

func (a *Account) balance(asset escrow.Asset) *big.Int {
	if asset.Kind == escrow.AssetNative {
		return a.Native
	}
	if bal, ok := a.Tokens[asset.Token]; ok && bal != nil {
		return bal
	}
	return big.NewInt(0)
}

func (a *Account) setBalance(asset escrow.Asset, v *big.Int) {
	if asset.Kind == escrow.AssetNative {
		a.Native = v
		return
	}
	a.Tokens[asset.Token] = v
}

// Book is a storage-backed balance ledger implementing escrow.Transfer. All
// transfers are all-or-nothing: a failed operation leaves every balance as it
// was.
type Book struct {
	mu sync.Mutex
	db storage.Database
}

func NewBook(db storage.Database) *Book {
	return &Book{db: db}
}

func accountKey(addr common.Address) []byte {
	return append(append([]byte(nil), accountKeyPrefix...), addr.Bytes()...)
}

func (b *Book) load(key []byte) (*Account, error) {
	raw, err := b.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return newAccount(), nil
	}
	if err != nil {
		return nil, err
	}
	acc := new(Account)
	if err := json.Unmarshal(raw, acc); err != nil {
		return nil, fmt.Errorf("ledger: decode account: %w", err)
	}
	acc.normalize()
	return acc, nil
}

func (b *Book) write(key []byte, acc *Account) error {
	raw, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("ledger: encode account: %w", err)
	}
	return b.db.Put(key, raw)
}

func checkAsset(asset escrow.Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: negative transfer amount")
	}
	switch asset.Kind {
	case escrow.AssetNative:
		return nil
	case escrow.AssetToken:
		if asset.Token == (common.Address{}) {
			return fmt.Errorf("ledger: zero token address")
		}
		return nil
	default:
		return fmt.Errorf("ledger: unresolved asset kind %d", asset.Kind)
	}
}

// move debits amount of asset from the account at fromKey and credits it to
// the account at toKey. The debit side is restored if the credit write fails.
func (b *Book) move(fromKey, toKey []byte, amount *big.Int, asset escrow.Asset) error {
	if err := checkAsset(asset, amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	from, err := b.load(fromKey)
	if err != nil {
		return err
	}
	to, err := b.load(toKey)
	if err != nil {
		return err
	}
	src := from.balance(asset)
	if src.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	prev := new(big.Int).Set(src)
	from.setBalance(asset, new(big.Int).Sub(src, amount))
	to.setBalance(asset, new(big.Int).Add(to.balance(asset), amount))
	if err := b.write(fromKey, from); err != nil {
		return err
	}
	if err := b.write(toKey, to); err != nil {
		from.setBalance(asset, prev)
		if undoErr := b.write(fromKey, from); undoErr != nil {
			return fmt.Errorf("ledger: credit failed (%v) and debit rollback failed: %w", err, undoErr)
		}
		return err
	}
	return nil
}

// Pull moves amount of asset from the source address into escrow custody.
func (b *Book) Pull(from common.Address, amount *big.Int, asset escrow.Asset) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(accountKey(from), custodyKey, amount, asset)
}

// Push moves amount of asset from escrow custody to the destination address.
func (b *Book) Push(to common.Address, amount *big.Int, asset escrow.Asset) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(custodyKey, accountKey(to), amount, asset)
}

// Mint credits amount of asset to the address's external balance. It exists
// so operators and tests can fund accounts; it is not part of the transfer
// capability the engine sees.
func (b *Book) Mint(to common.Address, amount *big.Int, asset escrow.Asset) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := checkAsset(asset, amount); err != nil {
		return err
	}
	key := accountKey(to)
	acc, err := b.load(key)
	if err != nil {
		return err
	}
	acc.setBalance(asset, new(big.Int).Add(acc.balance(asset), amount))
	return b.write(key, acc)
}

// Balance returns the address's external balance for the asset.
func (b *Book) Balance(addr common.Address, asset escrow.Asset) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.load(accountKey(addr))
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.balance(asset)), nil
}

// CustodyBalance returns the total amount of the asset currently held in
// escrow custody.
func (b *Book) CustodyBalance(asset escrow.Asset) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.load(custodyKey)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.balance(asset)), nil
}
