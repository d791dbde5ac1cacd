// Package wallet is the signing service: it holds one ECDSA account and
// signs agreement hashes on its behalf.
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"go.dedis.ch/escrow/logging"
)

// Signer signs 32-byte digests for one account.
type Signer interface {
	Address() common.Address
	Sign(hash common.Hash) ([]byte, error)
}

type WalletConf struct {
	PrivateKey *ecdsa.PrivateKey
}

type PrivateKey struct {
	*ecdsa.PrivateKey
	bytes []byte
}

func (pri *PrivateKey) String() string {
	return hex.EncodeToString(pri.bytes)[:8] + "..."
}

type PublicKey struct {
	*ecdsa.PublicKey
	bytes []byte
}

func (pub *PublicKey) String() string {
	return hex.EncodeToString(pub.bytes)[:8] + "..."
}

// Wallet implements Signer with an in-memory private key.
type Wallet struct {
	logger zerolog.Logger

	addr       common.Address
	publicKey  PublicKey
	privateKey PrivateKey
}

func NewWallet(conf WalletConf) *Wallet {
	w := Wallet{}
	w.privateKey = PrivateKey{conf.PrivateKey, crypto.FromECDSA(conf.PrivateKey)}
	w.publicKey = PublicKey{&conf.PrivateKey.PublicKey, crypto.FromECDSAPub(&conf.PrivateKey.PublicKey)}
	w.addr = crypto.PubkeyToAddress(conf.PrivateKey.PublicKey)

	w.logger = logging.RootLogger.With().Str("Wallet", w.addr.Hex()).Logger()
	w.logger.Debug().Msgf("wallet created: pubKey=%s, priKey=%s", w.publicKey.String(), w.privateKey.String())
	return &w
}

// Generate creates a wallet with a fresh random key.
func Generate() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key error: %w", err)
	}
	return NewWallet(WalletConf{PrivateKey: key}), nil
}

// Load reads a hex-encoded private key file.
func Load(path string) (*Wallet, error) {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("load key %s error: %w", path, err)
	}
	return NewWallet(WalletConf{PrivateKey: key}), nil
}

// Save writes the private key as hex to path with 0600 permissions.
func (w *Wallet) Save(path string) error {
	if err := crypto.SaveECDSA(path, w.privateKey.PrivateKey); err != nil {
		return fmt.Errorf("save key %s error: %w", path, err)
	}
	return nil
}

func (w *Wallet) Address() common.Address {
	return w.addr
}

// PrivateKey exposes the raw key to ledger transactors.
func (w *Wallet) PrivateKey() *ecdsa.PrivateKey {
	return w.privateKey.PrivateKey
}

// Sign signs the prefixed digest of hash; the result is 65 bytes [R || S || V].
func (w *Wallet) Sign(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(prefixed(hash), w.privateKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign error: %w", err)
	}
	return sig, nil
}

// Recover returns the address that produced sig over hash.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d, want %d", len(sig), crypto.SignatureLength)
	}
	digest := prefixed(hash)
	publicKey, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover error: %w", err)
	}
	if !crypto.VerifySignature(publicKey, digest, sig[:len(sig)-1]) {
		return common.Address{}, fmt.Errorf("signature is invalid")
	}
	pub, err := crypto.UnmarshalPubkey(publicKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover error: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// prefixed applies the ledger's signed-message prefix so a signature over an
// agreement hash can never be replayed as a transaction signature.
func prefixed(hash common.Hash) []byte {
	return crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), hash.Bytes())
}
