package exec

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE CLIENT - Polymarket CLOB REST
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order placement uses native EIP-712 signing (signer.go), read paths
// use L2 HMAC auth. Balance reads go through a short TTL cache so the
// hot loop never blocks on /balance-allowance; writers invalidate it
// after every fill.
//
// Reference: https://docs.polymarket.com/
//
// ═══════════════════════════════════════════════════════════════════════════════

const clobBaseURL = "https://clob.polymarket.com"

// ClientConfig configures the venue client.
type ClientConfig struct {
	BaseURL          string
	APIKey           string
	APISecret        string
	Passphrase       string
	WalletPrivateKey string
	SignerAddress    string
	FunderAddress    string // proxy wallet holding funds, optional
	SignatureType    int    // 0=EOA, 1=proxy, 2=gnosis safe
	DryRun           bool
	BalanceTTL       time.Duration
	RequestTimeout   time.Duration
}

// ApiCreds are L2 credentials derived from the wallet.
type ApiCreds struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type balanceAllowance struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// Client talks to the CLOB.
type Client struct {
	baseURL       string
	apiKey        string
	apiSecret     string
	passphrase    string
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	signatureType int
	dryRun        bool
	httpClient    *http.Client
	signer        *OrderSigner

	balMu        sync.Mutex
	balance      decimal.Decimal
	balanceAt    time.Time
	balanceTTL   time.Duration
	dryRunOrders int64

	now func() time.Time
}

// NewClient creates the venue client. When API credentials are empty
// but a wallet key is present they are derived from the wallet.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = clobBaseURL
	}
	if cfg.BalanceTTL <= 0 {
		cfg.BalanceTTL = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}

	c := &Client{
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		apiSecret:     cfg.APISecret,
		passphrase:    cfg.Passphrase,
		signatureType: cfg.SignatureType,
		dryRun:        cfg.DryRun,
		httpClient:    &http.Client{Timeout: cfg.RequestTimeout},
		balanceTTL:    cfg.BalanceTTL,
		now:           time.Now,
	}

	if cfg.SignerAddress != "" {
		c.address = common.HexToAddress(cfg.SignerAddress)
	}
	if cfg.FunderAddress != "" {
		c.funderAddress = common.HexToAddress(cfg.FunderAddress)
	}

	if cfg.WalletPrivateKey != "" {
		pkHex := strings.TrimPrefix(cfg.WalletPrivateKey, "0x")
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey)
		if c.funderAddress == (common.Address{}) {
			c.funderAddress = c.address
		}

		if c.apiKey == "" || c.apiSecret == "" {
			log.Info().Msg("Deriving API credentials from wallet...")
			creds, err := c.deriveApiCreds()
			if err != nil {
				return nil, fmt.Errorf("derive API credentials: %w", err)
			}
			c.apiKey = creds.ApiKey
			c.apiSecret = creds.Secret
			c.passphrase = creds.Passphrase
		}
	}

	if c.dryRun {
		log.Info().Msg("📝 Venue client in DRY RUN mode, no orders will reach the CLOB")
		return c, nil
	}

	if c.apiKey == "" || c.apiSecret == "" {
		return nil, fmt.Errorf("API credentials required (set WALLET_PRIVATE_KEY or POLY_API_KEY)")
	}
	if c.address == (common.Address{}) {
		return nil, fmt.Errorf("signer address required")
	}

	c.signer = NewOrderSigner(c.privateKey, c.address, c.funderAddress, c.signatureType)

	log.Info().
		Str("signer", c.address.Hex()).
		Str("funder", c.funderAddress.Hex()).
		Int("sig_type", c.signatureType).
		Msg("🚀 Venue client initialized")

	return c, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA
// ═══════════════════════════════════════════════════════════════════════════════

// GetOrderbookDepth fetches the current book for a token. The snapshot
// carries its fetch time so consumers can enforce freshness.
func (c *Client) GetOrderbookDepth(tokenID string) (types.BookSnapshot, error) {
	url := fmt.Sprintf("%s/book?token_id=%s", c.baseURL, tokenID)

	resp, err := c.httpClient.Get(url)
	if err != nil {
		return types.BookSnapshot{}, fmt.Errorf("book fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.BookSnapshot{}, fmt.Errorf("book fetch: HTTP %d", resp.StatusCode)
	}

	var raw struct {
		Bids []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"asks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return types.BookSnapshot{}, fmt.Errorf("book parse: %w", err)
	}

	bids := make([]types.PriceLevel, 0, len(raw.Bids))
	for _, lvl := range raw.Bids {
		price, err1 := decimal.NewFromString(lvl.Price)
		size, err2 := decimal.NewFromString(lvl.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		bids = append(bids, types.PriceLevel{Price: price, Size: size})
	}
	asks := make([]types.PriceLevel, 0, len(raw.Asks))
	for _, lvl := range raw.Asks {
		price, err1 := decimal.NewFromString(lvl.Price)
		size, err2 := decimal.NewFromString(lvl.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		asks = append(asks, types.PriceLevel{Price: price, Size: size})
	}

	// The API does not guarantee ordering.
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	snap := types.BookSnapshot{FetchedAt: c.now()}
	if len(bids) > 0 {
		snap.BestBid = bids[0].Price
		snap.BidDepth = bids[0].Size
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[0].Price
		snap.AskDepth = asks[0].Size
	}
	return snap, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

// PlaceOrder signs and submits one order.
func (c *Client) PlaceOrder(req types.PlaceOrderRequest) (types.PlaceOrderResult, error) {
	if c.dryRun {
		return c.placeDryRun(req), nil
	}

	signed, err := c.signer.BuildSignedOrder(req)
	if err != nil {
		return types.PlaceOrderResult{ErrMsg: err.Error()}, fmt.Errorf("sign order: %w", err)
	}

	orderType := string(req.OrderType)
	if orderType == "" {
		orderType = string(types.OrderTypeGTC)
	}

	payload := signed.ToAPIPayload(c.apiKey, orderType)
	body, err := json.Marshal(payload)
	if err != nil {
		return types.PlaceOrderResult{}, fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequest("POST", c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return types.PlaceOrderResult{}, err
	}
	c.signL2Request(httpReq, "POST", "/order", body)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.PlaceOrderResult{}, fmt.Errorf("order request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	var orderResp struct {
		OrderID      string   `json:"orderID"`
		Status       string   `json:"status"`
		ErrorCode    string   `json:"errorCode"`
		Message      string   `json:"message"`
		MakingAmount string   `json:"makingAmount"`
		TakingAmount string   `json:"takingAmount"`
		TxHashes     []string `json:"transactionsHashes"`
	}
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return types.PlaceOrderResult{}, fmt.Errorf("parse order response: %w, body: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := orderResp.Message
		if msg == "" {
			msg = string(respBody)
		}
		return types.PlaceOrderResult{ErrMsg: msg}, fmt.Errorf("order rejected: %s - %s", orderResp.ErrorCode, msg)
	}

	result := types.PlaceOrderResult{
		Success: true,
		OrderID: orderResp.OrderID,
	}

	// "matched" responses report the immediately-traded amounts.
	if orderResp.Status == "matched" && orderResp.TakingAmount != "" {
		if taken, err := decimal.NewFromString(orderResp.TakingAmount); err == nil {
			if req.Side == types.SideBuy {
				result.FilledSize = taken
			} else if made, err := decimal.NewFromString(orderResp.MakingAmount); err == nil {
				result.FilledSize = made
			}
			if result.FilledSize.IsPositive() {
				result.AvgPrice = req.Price
			}
		}
		c.InvalidateBalance()
	}

	log.Info().
		Str("order_id", result.OrderID).
		Str("status", orderResp.Status).
		Str("side", string(req.Side)).
		Str("price", req.Price.StringFixed(2)).
		Str("size", req.Size.StringFixed(2)).
		Msg("✅ Order submitted")

	return result, nil
}

func (c *Client) placeDryRun(req types.PlaceOrderRequest) types.PlaceOrderResult {
	c.balMu.Lock()
	c.dryRunOrders++
	id := fmt.Sprintf("DRY-%d", c.dryRunOrders)
	c.balMu.Unlock()

	log.Info().
		Str("order_id", id).
		Str("side", string(req.Side)).
		Str("price", req.Price.StringFixed(2)).
		Str("size", req.Size.StringFixed(2)).
		Msg("📝 DRY RUN: order would be placed")

	// Simulate an immediate full fill so downstream flow exercises.
	return types.PlaceOrderResult{
		Success:    true,
		OrderID:    id,
		FilledSize: req.Size,
		AvgPrice:   req.Price,
	}
}

// CancelOrder removes one resting order.
func (c *Client) CancelOrder(orderID string) error {
	if c.dryRun {
		log.Info().Str("order_id", orderID).Msg("📝 DRY RUN: order would be cancelled")
		return nil
	}

	body := []byte(fmt.Sprintf(`{"orderID":%q}`, orderID))
	req, err := http.NewRequest("DELETE", c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.signL2Request(req, "DELETE", "/order", body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel failed: %s", string(respBody))
	}
	return nil
}

// GetOpenOrders returns every resting order for the account.
func (c *Client) GetOpenOrders() ([]types.OpenOrder, error) {
	if c.dryRun {
		return nil, nil
	}

	endpoint := "/data/orders"
	req, err := http.NewRequest("GET", c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.signL2Request(req, "GET", endpoint, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open orders: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			ID          string `json:"id"`
			AssetID     string `json:"asset_id"`
			Side        string `json:"side"`
			Price       string `json:"price"`
			Size        string `json:"original_size"`
			SizeMatched string `json:"size_matched"`
			CreatedAt   int64  `json:"created_at"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("open orders parse: %w", err)
	}

	orders := make([]types.OpenOrder, 0, len(result.Data))
	for _, o := range result.Data {
		price, _ := decimal.NewFromString(o.Price)
		size, _ := decimal.NewFromString(o.Size)
		matched, _ := decimal.NewFromString(o.SizeMatched)

		side := types.SideBuy
		if o.Side == "SELL" {
			side = types.SideSell
		}

		orders = append(orders, types.OpenOrder{
			OrderID:       o.ID,
			TokenID:       o.AssetID,
			Side:          side,
			Price:         price,
			OriginalSize:  size,
			RemainingSize: size.Sub(matched),
			CreatedAt:     time.Unix(o.CreatedAt, 0),
		})
	}
	return orders, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BALANCE
// ═══════════════════════════════════════════════════════════════════════════════

// GetBalance returns the USDC balance, cached for BalanceTTL.
func (c *Client) GetBalance() (decimal.Decimal, error) {
	c.balMu.Lock()
	if !c.balanceAt.IsZero() && c.now().Sub(c.balanceAt) < c.balanceTTL {
		bal := c.balance
		c.balMu.Unlock()
		return bal, nil
	}
	c.balMu.Unlock()

	bal, err := c.fetchBalance()
	if err != nil {
		return decimal.Zero, err
	}

	c.balMu.Lock()
	c.balance = bal
	c.balanceAt = c.now()
	c.balMu.Unlock()
	return bal, nil
}

// InvalidateBalance drops the cached balance. Call after any fill.
func (c *Client) InvalidateBalance() {
	c.balMu.Lock()
	c.balanceAt = time.Time{}
	c.balMu.Unlock()
}

func (c *Client) fetchBalance() (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromInt(1000), nil
	}

	endpoint := "/balance-allowance"
	url := fmt.Sprintf("%s%s?asset_type=COLLATERAL&signature_type=%d", c.baseURL, endpoint, c.signatureType)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	c.signL2Request(req, "GET", endpoint, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance fetch: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("balance fetch: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result balanceAllowance
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, fmt.Errorf("balance parse: %w", err)
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid balance value: %s", result.Balance)
	}

	// Reported in 6-decimal USDC units.
	return balance.Div(decimal.NewFromInt(1_000_000)), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUTH
// ═══════════════════════════════════════════════════════════════════════════════

// signL2Request adds Level 2 HMAC auth headers.
// Matches py-clob-client: message = timestamp + method + path + body,
// secret decoded and signature encoded with URL-safe base64.
func (c *Client) signL2Request(req *http.Request, method, path string, body []byte) {
	timestamp := strconv.FormatInt(c.now().Unix(), 10)

	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	secretBytes, err := base64.URLEncoding.DecodeString(c.apiSecret)
	if err != nil {
		padded := c.apiSecret
		if len(padded)%4 != 0 {
			padded += strings.Repeat("=", 4-len(padded)%4)
		}
		secretBytes, err = base64.URLEncoding.DecodeString(padded)
		if err != nil {
			secretBytes, _ = base64.StdEncoding.DecodeString(c.apiSecret)
		}
	}

	h := hmac.New(sha256.New, secretBytes)
	h.Write([]byte(message))
	signature := base64.URLEncoding.EncodeToString(h.Sum(nil))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_SIGNATURE", signature)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	if c.address != (common.Address{}) {
		req.Header.Set("POLY_ADDRESS", c.address.Hex())
	}
}

// deriveApiCreds derives or creates L2 credentials by signing the CLOB
// auth message with the wallet key.
func (c *Client) deriveApiCreds() (*ApiCreds, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("wallet private key required")
	}

	timestamp := c.now().Unix()
	nonce := int64(0)

	signature, err := c.signClobAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign auth message: %w", err)
	}

	polyAddress := c.funderAddress.Hex()
	if c.funderAddress == (common.Address{}) {
		polyAddress = c.address.Hex()
	}

	headers := map[string]string{
		"POLY_ADDRESS":   polyAddress,
		"POLY_SIGNATURE": signature,
		"POLY_TIMESTAMP": strconv.FormatInt(timestamp, 10),
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}

	// Existing credentials first, create on miss.
	for _, attempt := range []struct {
		method, path string
	}{
		{"GET", "/auth/derive-api-key"},
		{"POST", "/auth/api-key"},
	} {
		req, _ := http.NewRequest(attempt.method, c.baseURL+attempt.path, nil)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("credential request failed: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			var creds ApiCreds
			if err := json.Unmarshal(body, &creds); err != nil {
				return nil, fmt.Errorf("parse credentials: %w", err)
			}
			return &creds, nil
		}
	}

	return nil, fmt.Errorf("credential derivation failed")
}

// signClobAuthMessage signs the EIP-712 auth attestation.
// Domain: {name: "ClobAuthDomain", version: "1", chainId: 137}
func (c *Client) signClobAuthMessage(timestamp, nonce int64) (string, error) {
	domainTypeHash := crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	nameHash := crypto.Keccak256Hash([]byte("ClobAuthDomain"))
	versionHash := crypto.Keccak256Hash([]byte("1"))
	chainID := big.NewInt(PolygonChainID)

	domainSeparator := crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		nameHash.Bytes(),
		versionHash.Bytes(),
		common.LeftPadBytes(chainID.Bytes(), 32),
	)

	clobAuthTypeHash := crypto.Keccak256Hash([]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"))

	authAddress := c.funderAddress
	if authAddress == (common.Address{}) {
		authAddress = c.address
	}

	timestampStr := strconv.FormatInt(timestamp, 10)
	messageStr := "This message attests that I control the given wallet"

	structHash := crypto.Keccak256Hash(
		clobAuthTypeHash.Bytes(),
		common.LeftPadBytes(authAddress.Bytes(), 32),
		crypto.Keccak256Hash([]byte(timestampStr)).Bytes(),
		common.LeftPadBytes(big.NewInt(nonce).Bytes(), 32),
		crypto.Keccak256Hash([]byte(messageStr)).Bytes(),
	)

	rawData := append([]byte{0x19, 0x01}, domainSeparator.Bytes()...)
	rawData = append(rawData, structHash.Bytes()...)
	hash := crypto.Keccak256Hash(rawData)

	sig, err := crypto.Sign(hash.Bytes(), c.privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// IsDryRun reports whether orders are simulated.
func (c *Client) IsDryRun() bool {
	return c.dryRun
}

// Address returns the signing address.
func (c *Client) Address() string {
	if c.address != (common.Address{}) {
		return c.address.Hex()
	}
	return ""
}
