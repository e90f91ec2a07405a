// Package vault is an in-memory fungible value ledger with allowances and signed permits.
// The market ledger talks to it through an Escrow bound to the ledger's own account.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/0xedev/Buster-market/internal/models"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrOverflow              = errors.New("balance overflow")
	ErrEmptyAccount          = errors.New("account must not be empty")
	ErrNotEmpty              = errors.New("vault already holds state")
)

// Payment is a single leg of a batch transfer.
type Payment struct {
	To     string
	Amount *uint256.Int
}

// Vault holds balances, allowances and permit nonces. All methods are safe for concurrent use.
type Vault struct {
	mu         sync.Mutex
	balances   map[string]*uint256.Int
	allowances map[string]map[string]*uint256.Int // owner -> spender -> remaining
	nonces     map[string]uint64
	version    uint64
	now        func() time.Time
}

// New creates an empty vault.
func New() *Vault {
	return &Vault{
		balances:   make(map[string]*uint256.Int),
		allowances: make(map[string]map[string]*uint256.Int),
		nonces:     make(map[string]uint64),
		now:        time.Now,
	}
}

// SetClock overrides the time source used for permit deadlines.
func (v *Vault) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

// Normalize canonicalises hex addresses so that checksum and lower-case forms match.
func Normalize(account string) string {
	if common.IsHexAddress(account) {
		return strings.ToLower(common.HexToAddress(account).Hex())
	}
	return account
}

// SameAccount reports whether a and b name the same account.
func SameAccount(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Mint credits amount to account out of thin air. Used for genesis balances.
func (v *Vault) Mint(account string, amount *uint256.Int) error {
	if account == "" {
		return ErrEmptyAccount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.credit(Normalize(account), amount)
}

// BalanceOf returns a copy of account's balance.
func (v *Vault) BalanceOf(account string) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.balances[Normalize(account)]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Allowance returns what spender may still pull from owner.
func (v *Vault) Allowance(owner, spender string) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if a, ok := v.allowances[Normalize(owner)][Normalize(spender)]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// Approve sets spender's allowance over owner's funds.
func (v *Vault) Approve(owner, spender string, amount *uint256.Int) error {
	if owner == "" || spender == "" {
		return ErrEmptyAccount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setAllowance(Normalize(owner), Normalize(spender), amount.Clone())
	return nil
}

// Nonce returns the next permit nonce expected for owner.
func (v *Vault) Nonce(owner string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nonces[Normalize(owner)]
}

// Version increments on every successful state change.
func (v *Vault) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// Move transfers amount from one account to another.
func (v *Vault) Move(from, to string, amount *uint256.Int) error {
	if from == "" || to == "" {
		return ErrEmptyAccount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.move(Normalize(from), Normalize(to), amount)
}

// MoveFrom transfers amount from owner to to on behalf of spender, consuming allowance.
func (v *Vault) MoveFrom(spender, owner, to string, amount *uint256.Int) error {
	if spender == "" || owner == "" || to == "" {
		return ErrEmptyAccount
	}
	spender, owner, to = Normalize(spender), Normalize(owner), Normalize(to)

	v.mu.Lock()
	defer v.mu.Unlock()

	allowed, ok := v.allowances[owner][spender]
	if !ok || allowed.Lt(amount) {
		return ErrInsufficientAllowance
	}
	if err := v.move(owner, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

// MoveBatch pays every leg from a single account. Either all legs apply or none do.
func (v *Vault) MoveBatch(from string, payments []Payment) error {
	if from == "" {
		return ErrEmptyAccount
	}
	from = Normalize(from)

	v.mu.Lock()
	defer v.mu.Unlock()

	total := new(uint256.Int)
	credits := make(map[string]*uint256.Int, len(payments))
	for _, p := range payments {
		if p.To == "" {
			return ErrEmptyAccount
		}
		if _, overflow := total.AddOverflow(total, p.Amount); overflow {
			return ErrOverflow
		}
		to := Normalize(p.To)
		if credits[to] == nil {
			credits[to] = new(uint256.Int)
		}
		credits[to].Add(credits[to], p.Amount)
	}
	if v.balanceOf(from).Lt(total) {
		return fmt.Errorf("%w: batch needs %s", ErrInsufficientBalance, total.Dec())
	}
	for to, amount := range credits {
		if to == from {
			continue
		}
		if _, overflow := new(uint256.Int).AddOverflow(v.balanceOf(to), amount); overflow {
			return ErrOverflow
		}
	}

	for to, amount := range credits {
		if to == from {
			continue
		}
		v.balances[from] = new(uint256.Int).Sub(v.balanceOf(from), amount)
		v.balances[to] = new(uint256.Int).Add(v.balanceOf(to), amount)
	}
	v.version++
	return nil
}

// Accounts returns every account holding a non-zero balance, sorted.
func (v *Vault) Accounts() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	accounts := make([]string, 0, len(v.balances))
	for a, b := range v.balances {
		if !b.IsZero() {
			accounts = append(accounts, a)
		}
	}
	sort.Strings(accounts)
	return accounts
}

// Export returns every account that holds a balance, a nonce or an allowance, sorted by name.
func (v *Vault) Export() []models.Account {
	v.mu.Lock()
	defer v.mu.Unlock()

	names := make(map[string]struct{})
	for a, b := range v.balances {
		if !b.IsZero() {
			names[a] = struct{}{}
		}
	}
	for a, n := range v.nonces {
		if n > 0 {
			names[a] = struct{}{}
		}
	}
	for owner, spenders := range v.allowances {
		for _, amount := range spenders {
			if !amount.IsZero() {
				names[owner] = struct{}{}
				break
			}
		}
	}
	if len(names) == 0 {
		return nil
	}

	out := make([]models.Account, 0, len(names))
	for name := range names {
		acc := models.Account{Name: name, Balance: *v.balanceOf(name), Nonce: v.nonces[name]}
		for spender, amount := range v.allowances[name] {
			if amount.IsZero() {
				continue
			}
			if acc.Allowances == nil {
				acc.Allowances = make(map[string]uint256.Int)
			}
			acc.Allowances[spender] = *amount
		}
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Import loads accounts into an untouched vault.
func (v *Vault) Import(accounts []models.Account) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.version != 0 {
		return ErrNotEmpty
	}

	balances := make(map[string]*uint256.Int, len(accounts))
	allowances := make(map[string]map[string]*uint256.Int)
	nonces := make(map[string]uint64)
	for _, acc := range accounts {
		name := Normalize(acc.Name)
		if name == "" {
			return ErrEmptyAccount
		}
		if _, dup := balances[name]; dup {
			return fmt.Errorf("account %q listed twice", name)
		}
		balance := acc.Balance
		balances[name] = &balance
		if acc.Nonce > 0 {
			nonces[name] = acc.Nonce
		}
		for spender, amount := range acc.Allowances {
			if allowances[name] == nil {
				allowances[name] = make(map[string]*uint256.Int)
			}
			remaining := amount
			allowances[name][Normalize(spender)] = &remaining
		}
	}

	v.balances = balances
	v.allowances = allowances
	v.nonces = nonces
	if len(accounts) > 0 {
		v.version++
	}
	return nil
}

// Escrow binds the vault to a single account that acts as the spender for pulls
// and the payer for pushes.
type Escrow struct {
	vault   *Vault
	account string
}

// Escrow returns an Escrow for account.
func (v *Vault) Escrow(account string) *Escrow {
	return &Escrow{vault: v, account: Normalize(account)}
}

// Account returns the escrow's own account.
func (e *Escrow) Account() string {
	return e.account
}

// ExportAccounts returns the state of the whole vault behind the escrow.
func (e *Escrow) ExportAccounts() []models.Account {
	return e.vault.Export()
}

// ImportAccounts loads accounts into the vault behind the escrow.
func (e *Escrow) ImportAccounts(accounts []models.Account) error {
	return e.vault.Import(accounts)
}

// Transfer pays amount out of escrow.
func (e *Escrow) Transfer(ctx context.Context, to string, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.vault.Move(e.account, to, amount)
}

// TransferFrom pulls amount from owner into to using the escrow's allowance.
func (e *Escrow) TransferFrom(ctx context.Context, from, to string, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.vault.MoveFrom(e.account, from, to, amount)
}

// TransferBatch pays every leg out of escrow atomically.
func (e *Escrow) TransferBatch(ctx context.Context, payments []Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.vault.MoveBatch(e.account, payments)
}

// Permit consumes a signed allowance naming this escrow as spender.
func (e *Escrow) Permit(ctx context.Context, p Permit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !SameAccount(p.Spender, e.account) {
		return ErrWrongSpender
	}
	return e.vault.ApplyPermit(p)
}

// PermitAndTransferFrom consumes p and pulls amount from its owner into to in one step.
// Either both happen or neither does.
func (e *Escrow) PermitAndTransferFrom(ctx context.Context, p Permit, to string, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !SameAccount(p.Spender, e.account) {
		return ErrWrongSpender
	}
	return e.vault.MoveFromWithPermit(p, to, amount)
}

func (v *Vault) balanceOf(account string) *uint256.Int {
	if b, ok := v.balances[account]; ok {
		return b
	}
	return new(uint256.Int)
}

func (v *Vault) credit(account string, amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(v.balanceOf(account), amount)
	if overflow {
		return ErrOverflow
	}
	v.balances[account] = sum
	v.version++
	return nil
}

// move must be called with v.mu held.
func (v *Vault) move(from, to string, amount *uint256.Int) error {
	fromBal := v.balanceOf(from)
	if fromBal.Lt(amount) {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	toBal, overflow := new(uint256.Int).AddOverflow(v.balanceOf(to), amount)
	if overflow {
		return ErrOverflow
	}
	v.balances[from] = new(uint256.Int).Sub(fromBal, amount)
	v.balances[to] = toBal
	v.version++
	return nil
}

func (v *Vault) setAllowance(owner, spender string, amount *uint256.Int) {
	if v.allowances[owner] == nil {
		v.allowances[owner] = make(map[string]*uint256.Int)
	}
	v.allowances[owner][spender] = amount
	v.version++
}
