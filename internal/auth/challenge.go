package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
)

const challengePrefix = "MetaProfile registry login"

// Challenges hands out single-use login messages and checks the EIP-191
// personal signatures returned for them.
type Challenges struct {
	mu      sync.Mutex // serializes Verify so a challenge is consumed once
	pending *cache.Cache
	ttl     time.Duration
}

// NewChallenges keeps each issued challenge for ttl.
func NewChallenges(ttl time.Duration) *Challenges {
	return &Challenges{
		pending: cache.New(ttl, 2*ttl),
		ttl:     ttl,
	}
}

// Issue returns the message addr must sign. A new challenge replaces the previous one.
func (c *Challenges) Issue(addr common.Address) (string, time.Time) {
	msg := fmt.Sprintf("%s\naddress: %s\nnonce: %s", challengePrefix, addr.Hex(), uuid.NewString())
	c.pending.Set(key(addr), msg, c.ttl)
	return msg, time.Now().UTC().Add(c.ttl)
}

// Verify consumes the pending challenge of addr when sigHex is a valid
// signature of it by addr.
func (c *Challenges) Verify(addr common.Address, sigHex string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.pending.Get(key(addr))
	if !ok {
		return ErrChallengeNotFound
	}
	sig, err := hexutil.Decode(strings.TrimSpace(sigHex))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	signer, err := RecoverSigner(v.(string), sig)
	if err != nil {
		return err
	}
	if signer != addr {
		return ErrBadSignature
	}
	c.pending.Delete(key(addr))
	return nil
}

// RecoverSigner returns the address that produced the personal signature of msg.
func RecoverSigner(msg string, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: want %d bytes, got %d", ErrBadSignature, ethcrypto.SignatureLength, len(sig))
	}
	sig = append([]byte(nil), sig...)
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// SignChallenge produces the wallet style signature (V in 27/28) of msg.
func SignChallenge(key *ecdsa.PrivateKey, msg string) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return "", fmt.Errorf("sign challenge: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func key(addr common.Address) string { return addr.Hex() }
