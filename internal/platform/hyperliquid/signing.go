package hyperliquid

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
)

var (
	agentTypeHash = crypto.TypeHash("Agent(string source,bytes32 connectionId)")

	exchangeDomain = crypto.Domain{Name: "Exchange", Version: "1", ChainID: 1337}
)

// actionHash is the connection id of an L1 action: keccak256 of the encoded
// action, the big-endian nonce and a zero vault flag.
func actionHash(action any, nonce uint64) ([]byte, error) {
	encoded, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: encode action: %w", err)
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256(encoded, n[:], []byte{0}), nil
}

// signAction signs action as a phantom agent. Mainnet agents use source "a",
// testnet "b".
func signAction(s *crypto.Signer, action any, nonce uint64, mainnet bool) (wireSignature, error) {
	conn, err := actionHash(action, nonce)
	if err != nil {
		return wireSignature{}, err
	}
	source := "b"
	if mainnet {
		source = "a"
	}
	sig, err := s.SignTypedData(exchangeDomain, crypto.HashStruct(agentTypeHash, crypto.String(source), crypto.Bytes32(conn)))
	if err != nil {
		return wireSignature{}, fmt.Errorf("hyperliquid: sign action: %w", err)
	}
	return wireSignature{R: sig.RHex(), S: sig.SHex(), V: int(sig.V)}, nil
}
