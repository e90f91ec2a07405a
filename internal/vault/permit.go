package vault

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidSignature = errors.New("invalid permit signature")
	ErrPermitExpired    = errors.New("permit expired")
	ErrInvalidNonce     = errors.New("invalid permit nonce")
	ErrWrongSpender     = errors.New("permit spender does not match escrow")
)

// Permit is an owner-signed, single-use allowance for spender.
// Deadline is a unix timestamp in seconds.
type Permit struct {
	Owner     string
	Spender   string
	Value     *uint256.Int
	Nonce     uint64
	Deadline  int64
	Signature []byte
}

// Digest is keccak256(owner || keccak256(spender) || value || nonce || deadline).
func (p Permit) Digest() []byte {
	value := new(uint256.Int)
	if p.Value != nil {
		value = p.Value
	}
	v32 := value.Bytes32()

	var nonce, deadline [8]byte
	binary.BigEndian.PutUint64(nonce[:], p.Nonce)
	binary.BigEndian.PutUint64(deadline[:], uint64(p.Deadline))

	return crypto.Keccak256(
		common.HexToAddress(p.Owner).Bytes(),
		crypto.Keccak256([]byte(Normalize(p.Spender))),
		v32[:],
		nonce[:],
		deadline[:],
	)
}

// SignPermit signs p with key using the EIP-191 personal-sign prefix.
func SignPermit(key *ecdsa.PrivateKey, p Permit) ([]byte, error) {
	hash := accounts.TextHash(p.Digest())
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// Signer recovers the address that produced p.Signature.
func (p Permit) Signer() (common.Address, error) {
	if len(p.Signature) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	sig := make([]byte, len(p.Signature))
	copy(sig, p.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(p.Digest()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ApplyPermit verifies p and, if valid, sets the allowance and bumps the owner's nonce.
func (v *Vault) ApplyPermit(p Permit) error {
	owner, spender, err := p.verify()
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkPermit(owner, p); err != nil {
		return err
	}
	v.nonces[owner]++
	v.setAllowance(owner, spender, p.Value.Clone())
	return nil
}

// MoveFromWithPermit applies p and pulls amount from its owner to to on behalf of the
// permit's spender, as one step. On any failure neither the nonce, the allowance nor a
// balance changes.
func (v *Vault) MoveFromWithPermit(p Permit, to string, amount *uint256.Int) error {
	if to == "" {
		return ErrEmptyAccount
	}
	owner, spender, err := p.verify()
	if err != nil {
		return err
	}
	to = Normalize(to)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkPermit(owner, p); err != nil {
		return err
	}
	if p.Value.Lt(amount) {
		return ErrInsufficientAllowance
	}
	if err := v.move(owner, to, amount); err != nil {
		return err
	}
	v.nonces[owner]++
	v.setAllowance(owner, spender, new(uint256.Int).Sub(p.Value, amount))
	return nil
}

// verify checks the signature and returns the normalized owner and spender.
func (p Permit) verify() (owner, spender string, err error) {
	if !common.IsHexAddress(p.Owner) {
		return "", "", fmt.Errorf("%w: owner is not an address", ErrInvalidSignature)
	}
	if p.Spender == "" || p.Value == nil {
		return "", "", ErrInvalidSignature
	}
	signer, err := p.Signer()
	if err != nil {
		return "", "", err
	}
	if signer != common.HexToAddress(p.Owner) {
		return "", "", ErrInvalidSignature
	}
	return Normalize(p.Owner), Normalize(p.Spender), nil
}

// checkPermit must be called with v.mu held.
func (v *Vault) checkPermit(owner string, p Permit) error {
	if v.now().Unix() > p.Deadline {
		return ErrPermitExpired
	}
	if v.nonces[owner] != p.Nonce {
		return ErrInvalidNonce
	}
	return nil
}
