package ledger

import (
	"bytes"           // Request bodies
	"context"         // Request cancellation
	"crypto/ed25519"  // Signer keys
	"encoding/base64" // Wire encoding for transactions
	"encoding/json"   // JSON-RPC payloads
	"errors"          // Error inspection
	"fmt"             // Error formatting
	"net/http"        // HTTP transport
	"strconv"         // Amount parsing
	"sync/atomic"     // Request ids
	"time"            // Timeouts and backoff

	"github.com/cenkalti/backoff/v4" // Confirmation polling
	"github.com/mr-tron/base58"      // Blockhash decoding
	"github.com/sirupsen/logrus"     // Structured logging
)

// RPCConfig configures the JSON-RPC ledger client
type RPCConfig struct {
	Endpoint       string        // JSON-RPC URL
	Commitment     string        // Commitment level for reads, "confirmed" by default
	ConfirmTimeout time.Duration // Upper bound on ConfirmTransaction
	PollInterval   time.Duration // First delay between status polls
	HTTPClient     *http.Client  // Optional transport override
}

// RPCClient implements Client over the ledger's JSON-RPC API
type RPCClient struct {
	cfg    RPCConfig
	http   *http.Client
	nextID atomic.Uint64
}

// NewRPCClient builds a client with defaults filled in
func NewRPCClient(cfg RPCConfig) *RPCClient {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &RPCClient{cfg: cfg, http: hc}
}

// RPCError is an error object returned by the ledger node
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC round trip and decodes result into out
func (c *RPCClient) call(ctx context.Context, method string, out any, params ...any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s: %w", method, rr.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

type accountInfoResult struct {
	Value *struct {
		Lamports uint64          `json:"lamports"`
		Owner    string          `json:"owner"`
		Data     json.RawMessage `json:"data"`
	} `json:"value"`
}

type parsedAccountData struct {
	Program string `json:"program"`
	Parsed  struct {
		Type string          `json:"type"`
		Info json.RawMessage `json:"info"`
	} `json:"parsed"`
}

func (c *RPCClient) accountInfo(ctx context.Context, account PublicKey) (*accountInfoResult, error) {
	var res accountInfoResult
	cfg := map[string]any{"encoding": "jsonParsed", "commitment": c.cfg.Commitment}
	if err := c.call(ctx, "getAccountInfo", &res, account.String(), cfg); err != nil {
		return nil, err
	}
	return &res, nil
}

// parsed decodes jsonParsed account data of the expected type into info
func (r *accountInfoResult) parsed(kind string, info any) error {
	var data parsedAccountData
	if err := json.Unmarshal(r.Value.Data, &data); err != nil {
		return fmt.Errorf("account data is not parsed: %w", err)
	}
	if data.Parsed.Type != kind {
		return fmt.Errorf("account is %q, want %q", data.Parsed.Type, kind)
	}
	return json.Unmarshal(data.Parsed.Info, info)
}

// AccountExists reports whether the account is present on the ledger
func (c *RPCClient) AccountExists(ctx context.Context, account PublicKey) (bool, error) {
	res, err := c.accountInfo(ctx, account)
	if err != nil {
		return false, err
	}
	return res.Value != nil, nil
}

// TokenAccountBalance reads a token account's base-unit balance
func (c *RPCClient) TokenAccountBalance(ctx context.Context, account PublicKey) (uint64, error) {
	res, err := c.accountInfo(ctx, account)
	if err != nil {
		return 0, err
	}
	if res.Value == nil {
		return 0, ErrAccountNotFound
	}
	var info struct {
		TokenAmount struct {
			Amount string `json:"amount"`
		} `json:"tokenAmount"`
	}
	if err := res.parsed("account", &info); err != nil {
		return 0, err
	}
	return strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
}

// MintInfo reads the mint account
func (c *RPCClient) MintInfo(ctx context.Context, mint PublicKey) (*MintInfo, error) {
	res, err := c.accountInfo(ctx, mint)
	if err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, ErrAccountNotFound
	}
	var info struct {
		Decimals      uint8   `json:"decimals"`
		MintAuthority *string `json:"mintAuthority"`
		Supply        string  `json:"supply"`
	}
	if err := res.parsed("mint", &info); err != nil {
		return nil, err
	}
	mi := &MintInfo{Decimals: info.Decimals}
	if info.Supply != "" {
		if mi.Supply, err = strconv.ParseUint(info.Supply, 10, 64); err != nil {
			return nil, fmt.Errorf("mint supply: %w", err)
		}
	}
	if info.MintAuthority != nil {
		auth, err := ParsePublicKey(*info.MintAuthority)
		if err != nil {
			return nil, fmt.Errorf("mint authority: %w", err)
		}
		mi.Authority = &auth
	}
	return mi, nil
}

func (c *RPCClient) latestBlockhash(ctx context.Context) (PublicKey, error) {
	var res struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", &res, map[string]any{"commitment": c.cfg.Commitment}); err != nil {
		return PublicKey{}, err
	}
	raw, err := base58.Decode(res.Value.Blockhash)
	if err != nil || len(raw) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("invalid blockhash %q", res.Value.Blockhash)
	}
	var bh PublicKey
	copy(bh[:], raw)
	return bh, nil
}

// SendTransaction compiles, signs and submits a single-signer transaction
func (c *RPCClient) SendTransaction(ctx context.Context, instructions []Instruction, signer ed25519.PrivateKey) (string, error) {
	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	payer := PublicKeyFromEd25519(signer.Public().(ed25519.PublicKey))
	msg, err := CompileMessage(payer, blockhash, instructions)
	if err != nil {
		return "", err
	}
	tx := SignTransaction(msg, signer)
	wire := base64.StdEncoding.EncodeToString(tx.Serialize())
	var sig string
	cfg := map[string]any{"encoding": "base64", "preflightCommitment": c.cfg.Commitment}
	if err := c.call(ctx, "sendTransaction", &sig, wire, cfg); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"signature":    sig,
		"instructions": len(instructions),
	}).Debug("Ledger transaction submitted")
	return sig, nil
}

type signatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

var errPending = errors.New("transaction pending")

// ConfirmTransaction polls signature status until confirmed. A deadline is treated as failure,
// since an unconfirmed transaction may or may not land later.
func (c *RPCClient) ConfirmTransaction(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.PollInterval
	b.MaxInterval = 4 * c.cfg.PollInterval
	b.MaxElapsedTime = 0

	op := func() error {
		var res struct {
			Value []*signatureStatus `json:"value"`
		}
		if err := c.call(ctx, "getSignatureStatuses", &res, []string{signature}, map[string]any{"searchTransactionHistory": true}); err != nil {
			return err
		}
		if len(res.Value) == 0 || res.Value[0] == nil {
			return errPending
		}
		st := res.Value[0]
		if len(st.Err) > 0 && string(st.Err) != "null" {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrTransactionFailed, st.Err))
		}
		switch st.ConfirmationStatus {
		case "confirmed", "finalized":
			return nil
		}
		return errPending
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errPending)) {
		return fmt.Errorf("%w: %s", ErrConfirmationTimeout, signature)
	}
	return err
}

type uiTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount string `json:"amount"`
	} `json:"uiTokenAmount"`
}

type transactionResult struct {
	Meta *struct {
		Err               json.RawMessage  `json:"err"`
		PreBalances       []uint64         `json:"preBalances"`
		PostBalances      []uint64         `json:"postBalances"`
		PreTokenBalances  []uiTokenBalance `json:"preTokenBalances"`
		PostTokenBalances []uiTokenBalance `json:"postTokenBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
			} `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// TransactionEffects fetches a confirmed transaction and extracts balance changes
func (c *RPCClient) TransactionEffects(ctx context.Context, signature string) (*TransactionEffects, error) {
	var res *transactionResult
	cfg := map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     c.cfg.Commitment,
		"maxSupportedTransactionVersion": 0,
	}
	if err := c.call(ctx, "getTransaction", &res, signature, cfg); err != nil {
		return nil, err
	}
	if res == nil || res.Meta == nil {
		return nil, ErrTransactionNotFound
	}
	keys := make([]PublicKey, len(res.Transaction.Message.AccountKeys))
	for i, k := range res.Transaction.Message.AccountKeys {
		pk, err := ParsePublicKey(k.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("account key %d: %w", i, err)
		}
		keys[i] = pk
	}
	fx := &TransactionEffects{
		Signature: signature,
		Failed:    len(res.Meta.Err) > 0 && string(res.Meta.Err) != "null",
	}
	for i := range keys {
		if i < len(res.Meta.PreBalances) && i < len(res.Meta.PostBalances) {
			fx.Native = append(fx.Native, NativeBalanceChange{Account: keys[i], Pre: res.Meta.PreBalances[i], Post: res.Meta.PostBalances[i]})
		}
	}

	type tokenKey struct{ index int }
	changes := map[tokenKey]*TokenBalanceChange{}
	var order []tokenKey
	collect := func(list []uiTokenBalance, post bool) error {
		for _, tb := range list {
			if tb.AccountIndex < 0 || tb.AccountIndex >= len(keys) {
				return fmt.Errorf("token balance index %d out of range", tb.AccountIndex)
			}
			amount, err := strconv.ParseUint(tb.UITokenAmount.Amount, 10, 64)
			if err != nil {
				return fmt.Errorf("token amount: %w", err)
			}
			k := tokenKey{tb.AccountIndex}
			ch, ok := changes[k]
			if !ok {
				owner, err := ParsePublicKey(tb.Owner)
				if err != nil {
					return fmt.Errorf("token owner: %w", err)
				}
				mint, err := ParsePublicKey(tb.Mint)
				if err != nil {
					return fmt.Errorf("token mint: %w", err)
				}
				ch = &TokenBalanceChange{Account: keys[tb.AccountIndex], Owner: owner, Mint: mint}
				changes[k] = ch
				order = append(order, k)
			}
			if post {
				ch.Post = amount
			} else {
				ch.Pre = amount
			}
		}
		return nil
	}
	if err := collect(res.Meta.PreTokenBalances, false); err != nil {
		return nil, err
	}
	if err := collect(res.Meta.PostTokenBalances, true); err != nil {
		return nil, err
	}
	for _, k := range order {
		fx.Tokens = append(fx.Tokens, *changes[k])
	}
	return fx, nil
}
