// Package chainmonitor polls the Bitcoin chain for escrow deposits,
// collateral top-ups, and LTV-relevant UTXO state, through a pluggable
// indexer adapter.
package chainmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"

	"escrowd/native/escrow"
)

// Utxo is one unspent output observed at a watched address.
type Utxo struct {
	Txid          string
	Vout          uint32
	ValueSats     int64
	Confirmations int64
}

// TxStatus is the confirmation state of a previously broadcast transaction.
type TxStatus struct {
	Txid          string
	Confirmations int64
	InMempool     bool
	Found         bool
}

// Indexer is the outbound chain-data surface the monitor, executor, and fee
// estimator depend on. Concrete implementations talk to a node's RPC
// interface or a block-explorer REST API; none of that detail leaks past
// this interface.
type Indexer interface {
	GetUtxos(ctx context.Context, address string) ([]Utxo, error)
	GetTx(ctx context.Context, txid string) (TxStatus, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	FeeEstimate(ctx context.Context, targetBlocks int) (satPerVb int64, err error)
}

// RPCIndexer implements Indexer against a bitcoind-style JSON-RPC endpoint,
// grounded on the escrow gateway's JSON-RPC client: a plain jsonrpc 2.0
// envelope over net/http with an atomically incrementing request id.
type RPCIndexer struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCIndexer builds an RPCIndexer.
func NewRPCIndexer(baseURL, authToken string, timeout time.Duration) *RPCIndexer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCIndexer{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: timeout},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	Result json.RawMessage  `json:"result"`
	Error  *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCIndexer) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("indexer rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("indexer rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// GetUtxos implements Indexer.
func (c *RPCIndexer) GetUtxos(ctx context.Context, address string) ([]Utxo, error) {
	var raw []struct {
		Txid          string `json:"txid"`
		Vout          uint32 `json:"vout"`
		ValueSats     int64  `json:"value"`
		Confirmations int64  `json:"confirmations"`
	}
	if err := c.call(ctx, "listunspentaddress", []interface{}{address}, &raw); err != nil {
		return nil, err
	}
	utxos := make([]Utxo, 0, len(raw))
	for _, u := range raw {
		utxos = append(utxos, Utxo{Txid: u.Txid, Vout: u.Vout, ValueSats: u.ValueSats, Confirmations: u.Confirmations})
	}
	return utxos, nil
}

// GetTx implements Indexer.
func (c *RPCIndexer) GetTx(ctx context.Context, txid string) (TxStatus, error) {
	var raw struct {
		Confirmations int64 `json:"confirmations"`
		InMempool     bool  `json:"inMempool"`
	}
	if err := c.call(ctx, "gettransaction", []interface{}{txid}, &raw); err != nil {
		return TxStatus{Txid: txid}, err
	}
	return TxStatus{Txid: txid, Confirmations: raw.Confirmations, InMempool: raw.InMempool, Found: true}, nil
}

// Broadcast implements Indexer. It classifies node rejections as permanent
// BroadcastErrors and everything else (timeouts, 5xx, transport failures) as
// transient, so the executor's retry loop knows whether to back off or give
// up.
func (c *RPCIndexer) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	hexTx := fmt.Sprintf("%x", rawTx)
	var txid string
	err := c.call(ctx, "sendrawtransaction", []interface{}{hexTx}, &txid)
	if err != nil {
		lower := strings.ToLower(err.Error())
		// "already in mempool" / "already have transaction" is the indexer
		// telling us a prior attempt already succeeded; treat it as success,
		// not a retriable or permanent failure.
		if strings.Contains(lower, "already in mempool") || strings.Contains(lower, "already have transaction") || strings.Contains(lower, "txn-already-known") {
			if computed, derr := txidFromRaw(rawTx); derr == nil {
				return computed, nil
			}
			return "", nil
		}
		if strings.Contains(lower, "rejected") || strings.Contains(lower, "invalid") || strings.Contains(lower, "conflict") {
			return "", &escrow.BroadcastError{Reason: err.Error(), Transient: false}
		}
		return "", &escrow.BroadcastError{Reason: err.Error(), Transient: true}
	}
	return txid, nil
}

// txidFromRaw computes a transaction's txid locally, used when the indexer
// reports "already in mempool" without echoing the txid back.
func txidFromRaw(rawTx []byte) (string, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

// FeeEstimate implements Indexer.
func (c *RPCIndexer) FeeEstimate(ctx context.Context, targetBlocks int) (int64, error) {
	var raw struct {
		SatPerVb float64 `json:"satPerVb"`
	}
	if err := c.call(ctx, "estimatesmartfee", []interface{}{targetBlocks}, &raw); err != nil {
		return 0, err
	}
	if raw.SatPerVb <= 0 {
		return 0, fmt.Errorf("indexer returned non-positive fee estimate")
	}
	return int64(raw.SatPerVb + 0.5), nil
}
