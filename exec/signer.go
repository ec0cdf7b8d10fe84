package exec

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

// Polymarket CTF Exchange contracts (Polygon mainnet)
const (
	PolygonChainID     = 137
	CTFExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	CollateralAddress  = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174" // USDC
	ZeroAddress        = "0x0000000000000000000000000000000000000000"
)

// Signature types accepted by the exchange
const (
	SignatureTypeEOA        = 0
	SignatureTypePolyProxy  = 1
	SignatureTypeGnosisSafe = 2
)

const (
	sideBuy  = 0
	sideSell = 1
)

// CTFOrder is the exchange's on-chain order struct.
type CTFOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// SignedCTFOrder pairs an order with its EIP-712 signature.
type SignedCTFOrder struct {
	Order     *CTFOrder
	Signature string
}

// OrderSigner builds and signs CTF Exchange orders natively, no
// subprocess round trip.
type OrderSigner struct {
	privateKey    *ecdsa.PrivateKey
	signerAddress common.Address
	funderAddress common.Address
	chainID       int64
	exchangeAddr  common.Address
	signatureType int
}

// NewOrderSigner creates the signer. funderAddr may differ from the
// signer when a proxy wallet holds the funds.
func NewOrderSigner(privateKey *ecdsa.PrivateKey, signerAddr, funderAddr common.Address, signatureType int) *OrderSigner {
	return &OrderSigner{
		privateKey:    privateKey,
		signerAddress: signerAddr,
		funderAddress: funderAddr,
		chainID:       PolygonChainID,
		exchangeAddr:  common.HexToAddress(CTFExchangeAddress),
		signatureType: signatureType,
	}
}

// BuildOrder creates an unsigned order from a venue request.
func (s *OrderSigner) BuildOrder(req types.PlaceOrderRequest) (*CTFOrder, error) {
	tokenIDInt, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id: %s", req.TokenID)
	}

	side := sideBuy
	if req.Side == types.SideSell {
		side = sideSell
	}

	// USDC and outcome shares both use 6 decimal units on chain.
	var makerAmount, takerAmount *big.Int
	notional := req.Size.Mul(req.Price)
	if side == sideBuy {
		// Spending USDC for shares. Truncate the spend so we never
		// exceed what was budgeted.
		makerAmount = toCollateralUnits(notional)
		takerAmount = toShareUnits(req.Size)
	} else {
		makerAmount = toShareUnits(req.Size)
		takerAmount = toShareUnits(notional)
	}

	maker := s.funderAddress
	if maker == (common.Address{}) {
		maker = s.signerAddress
	}

	return &CTFOrder{
		Salt:          big.NewInt(rand.Int63()),
		Maker:         maker,
		Signer:        s.signerAddress,
		Taker:         common.HexToAddress(ZeroAddress),
		TokenID:       tokenIDInt,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(1000),
		Side:          uint8(side),
		SignatureType: uint8(s.signatureType),
	}, nil
}

// SignOrder produces the EIP-712 signature for an order.
func (s *OrderSigner) SignOrder(order *CTFOrder) (*SignedCTFOrder, error) {
	typedData := s.buildTypedData(order)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	hash := crypto.Keccak256Hash(rawData)

	signature, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if signature[64] < 27 {
		signature[64] += 27
	}

	return &SignedCTFOrder{
		Order:     order,
		Signature: fmt.Sprintf("0x%x", signature),
	}, nil
}

// BuildSignedOrder builds and signs in one call.
func (s *OrderSigner) BuildSignedOrder(req types.PlaceOrderRequest) (*SignedCTFOrder, error) {
	order, err := s.BuildOrder(req)
	if err != nil {
		return nil, err
	}
	return s.SignOrder(order)
}

func (s *OrderSigner) buildTypedData(order *CTFOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(s.chainID),
			VerifyingContract: s.exchangeAddr.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// toCollateralUnits scales a USDC amount to 6-decimal units, truncating
// so the spend never exceeds the budget. The API rejects amounts with
// more precision than it quotes.
func toCollateralUnits(amount decimal.Decimal) *big.Int {
	scaled := amount.Mul(decimal.NewFromInt(1_000_000)).Truncate(0)
	return scaled.BigInt()
}

// toShareUnits scales a share amount to 6-decimal units, rounding to 4
// decimal places first as the API requires.
func toShareUnits(amount decimal.Decimal) *big.Int {
	scaled := amount.Round(4).Mul(decimal.NewFromInt(1_000_000)).Truncate(0)
	return scaled.BigInt()
}

// ToAPIPayload converts a signed order to the REST payload. owner is
// the API key, not the maker address.
func (o *SignedCTFOrder) ToAPIPayload(apiKey, orderType string) map[string]interface{} {
	sideStr := "BUY"
	if o.Order.Side == sideSell {
		sideStr = "SELL"
	}

	return map[string]interface{}{
		"order": map[string]interface{}{
			"salt":          o.Order.Salt.Int64(),
			"maker":         o.Order.Maker.Hex(),
			"signer":        o.Order.Signer.Hex(),
			"taker":         o.Order.Taker.Hex(),
			"tokenId":       o.Order.TokenID.String(),
			"makerAmount":   o.Order.MakerAmount.String(),
			"takerAmount":   o.Order.TakerAmount.String(),
			"expiration":    o.Order.Expiration.String(),
			"nonce":         o.Order.Nonce.String(),
			"feeRateBps":    o.Order.FeeRateBps.String(),
			"side":          sideStr,
			"signatureType": int(o.Order.SignatureType),
			"signature":     o.Signature,
		},
		"owner":     apiKey,
		"orderType": orderType,
		"postOnly":  false,
	}
}
