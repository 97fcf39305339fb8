package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var eip712DomainTypeHash = TypeHash(
	"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
)

// Domain is an EIP-712 signing domain.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// Separator returns the domain separator hash.
func (d Domain) Separator() []byte {
	return HashStruct(eip712DomainTypeHash,
		String(d.Name),
		String(d.Version),
		Uint(big.NewInt(d.ChainID)),
		Address(d.VerifyingContract),
	)
}

// Signature is a secp256k1 signature split the way venue APIs expect it.
// V is 27 or 28.
type Signature struct {
	R [32]byte
	S [32]byte
	V byte
}

// Hex returns the 65-byte r || s || v signature as 0x-prefixed hex.
func (s Signature) Hex() string {
	b := make([]byte, 0, 65)
	b = append(b, s.R[:]...)
	b = append(b, s.S[:]...)
	b = append(b, s.V)
	return "0x" + hex.EncodeToString(b)
}

// RHex and SHex return the components as 0x-prefixed hex.
func (s Signature) RHex() string { return "0x" + hex.EncodeToString(s.R[:]) }
func (s Signature) SHex() string { return "0x" + hex.EncodeToString(s.S[:]) }

// Signer signs EIP-712 typed data with one secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key, with or without
// the 0x prefix.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTypedData signs keccak256("\x19\x01" || domainSeparator || structHash).
func (s *Signer) SignTypedData(d Domain, structHash []byte) (Signature, error) {
	return s.SignDigest(TypedDataDigest(d, structHash))
}

// SignDigest signs a 32-byte digest.
func (s *Signer) SignDigest(digest []byte) (Signature, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return Signature{}, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	var out Signature
	copy(out.R[:], sig[:32])
	copy(out.S[:], sig[32:64])
	out.V = sig[64] + 27
	return out, nil
}

// TypedDataDigest returns the EIP-712 digest of structHash under d.
func TypedDataDigest(d Domain, structHash []byte) []byte {
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, d.Separator(), structHash)
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest []byte, sig Signature) (common.Address, error) {
	raw := make([]byte, 65)
	copy(raw, sig.R[:])
	copy(raw[32:], sig.S[:])
	raw[64] = sig.V - 27
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// TypeHash returns keccak256 of an EIP-712 type string.
func TypeHash(typ string) []byte {
	return ethcrypto.Keccak256([]byte(typ))
}

// HashStruct returns keccak256(typeHash || words...). Each word must already
// be 32 bytes.
func HashStruct(typeHash []byte, words ...[]byte) []byte {
	return ethcrypto.Keccak256(append([][]byte{typeHash}, words...)...)
}

// Uint encodes an unsigned integer as a 32-byte word.
func Uint(n *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(n))
}

// Int encodes a signed integer as a 32-byte two's complement word.
func Int(n *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(n))
}

// Bool encodes b as a 32-byte word.
func Bool(b bool) []byte {
	if b {
		return Uint(big.NewInt(1))
	}
	return Uint(new(big.Int))
}

// Address left-pads an address to a 32-byte word.
func Address(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// String hashes a dynamic string field.
func String(s string) []byte {
	return ethcrypto.Keccak256([]byte(s))
}

// Bytes32 returns b as a word, right-padded when shorter.
func Bytes32(b []byte) []byte {
	return common.RightPadBytes(b, 32)[:32]
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	return ethcrypto.Keccak256(data...)
}
