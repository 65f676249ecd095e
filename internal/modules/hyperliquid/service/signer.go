package service

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// chainId и домен фиксированы протоколом для L1-действий
const (
	l1ChainID     = 1337
	l1DomainName  = "Exchange"
	l1DomainVer   = "1"
	sourceMainnet = "a"
	sourceTestnet = "b"
)

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// Signer подписывает действия ключом API-кошелька (phantom agent, EIP-712).
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mainnet bool
}

func NewSigner(hexKey string, mainnet bool) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		mainnet: mainnet,
	}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// ActionHash keccak256(msgpack(action) || nonce BE || 0x00 (без vault)).
// Порядок ключей msgpack задаётся порядком полей структуры.
func ActionHash(action any, nonce uint64) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, errors.Wrap(err, "msgpack action")
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	buf.Write(n[:])
	buf.WriteByte(0x00)
	return crypto.Keccak256(buf.Bytes()), nil
}

func (s *Signer) SignAction(action any, nonce uint64) (Signature, error) {
	hash, err := ActionHash(action, nonce)
	if err != nil {
		return Signature{}, err
	}
	digest, err := s.agentDigest(hash)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return Signature{}, errors.Wrap(err, "sign digest")
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

func (s *Signer) agentDigest(connectionID []byte) ([]byte, error) {
	source := sourceTestnet
	if s.mainnet {
		source = sourceMainnet
	}
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": []apitypes.Type{
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              l1DomainName,
			Version:           l1DomainVer,
			ChainId:           math.NewHexOrDecimal256(l1ChainID),
			VerifyingContract: common.Address{}.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(connectionID),
		},
	}

	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, errors.Wrap(err, "hash domain")
	}
	msgHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, errors.Wrap(err, "hash agent")
	}
	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(msgHash)))
	return crypto.Keccak256(raw), nil
}
