package signing

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/spacemeshos/certchain/hash"
)

// MinKeyBits is the smallest RSA modulus accepted for authority keys.
const MinKeyBits = 2048

var (
	ErrKeyGeneration    = errors.New("couldn't generate key pair")
	ErrKeyTooSmall      = errors.New("key size below minimum")
	ErrSigningFailed    = errors.New("couldn't sign")
	ErrSignatureInvalid = errors.New("signature is invalid")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidKey       = errors.New("invalid private key")
)

var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// Signed represents a signed T data.
// It provides a read-only access to it.
type Signed[T any] interface {
	// Data retrieves the underlying data.
	// The received data is READ ONLY.
	Data() *T
	// PubKey is the PEM encoded verification key.
	PubKey() string
	Signature() []byte
}

// signedData is a holder of data T which is
// guaranteed to be signed. It implements Signed[T] interface.
type signedData[T any] struct {
	data      T
	pubkey    string
	signature []byte
}

func (d *signedData[T]) Data() *T {
	return &d.data
}

func (d *signedData[T]) PubKey() string {
	return d.pubkey
}

func (d *signedData[T]) Signature() []byte {
	return d.signature
}

// GenerateKey creates a new RSA key pair of the given size.
func GenerateKey(random io.Reader, bits int) (*rsa.PrivateKey, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: %d < %d", ErrKeyTooSmall, bits, MinKeyBits)
	}
	key, err := rsa.GenerateKey(random, bits)
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrKeyGeneration, err)
	}
	return key, nil
}

// message is what actually gets signed: the hex digest of the canonical
// encoding of the record.
func message(record any) ([]byte, error) {
	digest, err := hash.Digest(record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize data (%w)", err)
	}
	return []byte(digest), nil
}

// Sign signs the canonical digest of record with RSA-PSS.
// Signatures are randomized, signing the same record twice yields
// different signatures which both verify.
func Sign(random io.Reader, key *rsa.PrivateKey, record any) ([]byte, error) {
	msg, err := message(record)
	if err != nil {
		return nil, err
	}
	digest := crypto.SHA256.New()
	digest.Write(msg)
	signature, err := rsa.SignPSS(random, key, crypto.SHA256, digest.Sum(nil), pssOptions)
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrSigningFailed, err)
	}
	return signature, nil
}

// Verify reports whether signature is a valid signature of record by pub.
// It never fails: malformed input simply doesn't verify.
func Verify(pub *rsa.PublicKey, record any, signature []byte) bool {
	if pub == nil || len(signature) == 0 {
		return false
	}
	msg, err := message(record)
	if err != nil {
		return false
	}
	digest := crypto.SHA256.New()
	digest.Write(msg)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest.Sum(nil), signature, pssOptions) == nil
}

// SignRecord signs data with the given key and bundles the PEM encoded
// public key with the signature.
func SignRecord[T any](random io.Reader, data T, key *rsa.PrivateKey) (Signed[T], error) {
	pubkey, err := MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	signature, err := Sign(random, key, data)
	if err != nil {
		return nil, err
	}
	return &signedData[T]{
		data:      data,
		pubkey:    pubkey,
		signature: signature,
	}, nil
}

type verifyOptions struct {
	parseKey func(string) (*rsa.PublicKey, error)
}

type verifyOptionFunc func(*verifyOptions)

// WithKeyParser replaces ParsePublicKey when decoding the verification key,
// e.g. with one backed by a cache.
func WithKeyParser(parse func(pemKey string) (*rsa.PublicKey, error)) verifyOptionFunc {
	return func(o *verifyOptions) {
		o.parseKey = parse
	}
}

// NewFromCanonical constructs Signed[T] from a T, verifying the signature
// against the PEM encoded public key.
func NewFromCanonical[T any](data T, signature []byte, pubkeyPEM string, opts ...verifyOptionFunc) (Signed[T], error) {
	options := &verifyOptions{parseKey: ParsePublicKey}
	for _, opt := range opts {
		opt(options)
	}
	pub, err := options.parseKey(pubkeyPEM)
	if err != nil {
		return nil, err
	}
	if !Verify(pub, data, signature) {
		return nil, ErrSignatureInvalid
	}
	return &signedData[T]{
		data:      data,
		pubkey:    pubkeyPEM,
		signature: signature,
	}, nil
}

// MarshalPublicKey encodes pub as a PKIX PEM block.
func MarshalPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey decodes a PKIX PEM encoded RSA public key.
func ParsePublicKey(pemKey string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM data", ErrInvalidPublicKey)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrInvalidPublicKey, key)
	}
	return pub, nil
}

// MarshalPrivateKey encodes key as PKCS#8 DER.
func MarshalPrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return der, nil
}

// ParsePrivateKey decodes a PKCS#8 DER encoded RSA private key.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrInvalidKey, key)
	}
	return priv, nil
}
