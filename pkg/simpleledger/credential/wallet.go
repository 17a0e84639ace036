// Package credential loads the signing wallet that authorizes ledger
// writes. A wallet is a JSON Web Key holding an RSA private key. It is
// loaded once at startup, validated once and never logged.
package credential

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/lestrrat-go/jwx/jwk"

	"github.com/tendant/simple-ledger/pkg/simpleledger"
)

// MinKeyBits is the smallest accepted RSA modulus.
const MinKeyBits = 2048

// publicExponent is the exponent ledger owners are verified with.
const publicExponent = 65537

var (
	// ErrNoWallet indicates no wallet was configured
	ErrNoWallet = fmt.Errorf("%w: no wallet configured", simpleledger.ErrCredentialMissing)

	// ErrInvalidWallet indicates the wallet could not be used for signing
	ErrInvalidWallet = fmt.Errorf("%w: invalid wallet", simpleledger.ErrCredentialMissing)

	// ErrBadSignature indicates a signature did not verify
	ErrBadSignature = errors.New("signature verification failed")
)

// Wallet is an RSA signing key. It is read-only after construction and
// safe for concurrent use.
type Wallet struct {
	key     *rsa.PrivateKey
	owner   string
	address string
}

var _ simpleledger.Credential = (*Wallet)(nil)

// Parse parses a JWK wallet blob.
func Parse(blob []byte) (*Wallet, error) {
	key, err := jwk.ParseKey(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}

	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}

	switch k := raw.(type) {
	case *rsa.PrivateKey:
		return fromKey(k)
	case *rsa.PublicKey:
		return nil, fmt.Errorf("%w: key has no private part", ErrInvalidWallet)
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidWallet, raw)
	}
}

// Load reads a wallet from value, or from the file at path when value is
// empty.
func Load(value, path string) (*Wallet, error) {
	if value != "" {
		return Parse([]byte(value))
	}
	if path == "" {
		return nil, ErrNoWallet
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidWallet, path, err)
	}
	return Parse(blob)
}

// Generate creates a new random wallet.
func Generate(bits int) (*Wallet, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: %d bit key is below %d", ErrInvalidWallet, bits, MinKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating wallet: %w", err)
	}
	return fromKey(key)
}

func fromKey(key *rsa.PrivateKey) (*Wallet, error) {
	if key.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("%w: %d bit key is below %d", ErrInvalidWallet, key.N.BitLen(), MinKeyBits)
	}
	if key.E != publicExponent {
		return nil, fmt.Errorf("%w: public exponent %d, want %d", ErrInvalidWallet, key.E, publicExponent)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	key.Precompute()

	modulus := key.N.Bytes()
	sum := sha256.Sum256(modulus)
	return &Wallet{
		key:     key,
		owner:   base64.RawURLEncoding.EncodeToString(modulus),
		address: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// Owner returns the base64url encoded public modulus.
func (w *Wallet) Owner() string { return w.owner }

// Address returns the base64url encoded SHA-256 of the modulus.
func (w *Wallet) Address() string { return w.address }

// Sign signs msg with RSA-PSS over SHA-256.
func (w *Wallet) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, w.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: signing: %v", simpleledger.ErrAuth, err)
	}
	return sig, nil
}

// MarshalJWK encodes the wallet as a JWK blob suitable for Parse.
func (w *Wallet) MarshalJWK() ([]byte, error) {
	key, err := jwk.New(w.key)
	if err != nil {
		return nil, fmt.Errorf("encoding wallet: %w", err)
	}
	return json.Marshal(key)
}

// String shows only the address.
func (w *Wallet) String() string {
	return "wallet(" + w.address + ")"
}

// LogValue shows only the address.
func (w *Wallet) LogValue() slog.Value {
	return slog.GroupValue(slog.String("address", w.address))
}

// Verify checks that sig is a signature of msg by the wallet with the given owner.
func Verify(owner string, msg, sig []byte) error {
	modulus, err := base64.RawURLEncoding.DecodeString(owner)
	if err != nil || len(modulus) == 0 {
		return fmt.Errorf("%w: malformed owner", ErrBadSignature)
	}
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: publicExponent}
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// AddressOf returns the address for an owner value.
func AddressOf(owner string) (string, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(owner)
	if err != nil {
		return "", fmt.Errorf("decoding owner: %w", err)
	}
	sum := sha256.Sum256(modulus)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
