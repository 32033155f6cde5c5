package api

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Auth holds the EOA key used to sign CLOB requests and orders.
type Auth struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// NewAuth parses a hex private key (with or without 0x prefix).
func NewAuth(hexKey string) (*Auth, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("auth: empty private key")
	}

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid private key: %w", err)
	}

	return &Auth{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    137, // Polygon mainnet
	}, nil
}

// GetAddress returns the signer's EOA address.
func (a *Auth) GetAddress() common.Address {
	return a.address
}

// PrivateKey exposes the key for order signing.
func (a *Auth) PrivateKey() *ecdsa.PrivateKey {
	return a.privateKey
}

// SignRequest produces the L1 authentication headers for CLOB endpoints.
func (a *Auth) SignRequest() (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "0"

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(a.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": ts,
			"nonce":     nonce,
			"message":   "This message attests that I control the given wallet",
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("auth: hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("auth: sign: %w", err)
	}
	// EIP-712 expects v = 27/28.
	sig[64] += 27

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": hexutil.Encode(sig),
		"POLY_TIMESTAMP": ts,
		"POLY_NONCE":     nonce,
	}, nil
}
