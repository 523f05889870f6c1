package chainmonitor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"escrowd/chainmonitor"
	"escrowd/native/escrow"
)

type rpcEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
}

// newRPCServer spins up an httptest.Server that answers a single JSON-RPC
// method with the given raw result (or error) payload, recording every
// request it receives and the Authorization header seen.
func newRPCServer(t *testing.T, handler func(req rpcEnvelope) (result string, rpcErr string, httpStatus int)) (*httptest.Server, *string) {
	t.Helper()
	var lastAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		var req rpcEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr, status := handler(req)
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`plain text failure`))
			return
		}
		resp := map[string]interface{}{}
		if rpcErr != "" {
			resp["error"] = map[string]interface{}{"code": -1, "message": rpcErr}
		} else {
			resp["result"] = json.RawMessage(result)
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastAuth
}

func TestRPCIndexerGetUtxosParsesResult(t *testing.T) {
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		require.Equal(t, "listunspentaddress", req.Method)
		return `[{"txid":"abc","vout":1,"value":1000,"confirmations":3}]`, "", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", time.Second)
	utxos, err := idx.GetUtxos(context.Background(), "bcrt1qexample")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, chainmonitor.Utxo{Txid: "abc", Vout: 1, ValueSats: 1000, Confirmations: 3}, utxos[0])
}

func TestRPCIndexerSendsBearerAuthHeader(t *testing.T) {
	srv, lastAuth := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		return `[]`, "", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "s3cr3t", time.Second)
	_, err := idx.GetUtxos(context.Background(), "addr")
	require.NoError(t, err)
	require.Equal(t, "Bearer s3cr3t", *lastAuth)
}

func TestRPCIndexerGetTxReportsFound(t *testing.T) {
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		require.Equal(t, "gettransaction", req.Method)
		return `{"confirmations":6,"inMempool":false}`, "", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", time.Second)
	status, err := idx.GetTx(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.True(t, status.Found)
	require.Equal(t, int64(6), status.Confirmations)
}

func TestRPCIndexerCallPropagatesHTTPError(t *testing.T) {
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		return "", "", http.StatusInternalServerError
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", time.Second)
	_, err := idx.GetUtxos(context.Background(), "addr")
	require.Error(t, err)
}

func TestRPCIndexerCallPropagatesRPCError(t *testing.T) {
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		return "", "no such address", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", time.Second)
	_, err := idx.GetUtxos(context.Background(), "addr")
	require.ErrorContains(t, err, "no such address")
}

func TestRPCIndexerFeeEstimateRoundsAndRejectsNonPositive(t *testing.T) {
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		require.Equal(t, "estimatesmartfee", req.Method)
		return `{"satPerVb":12.6}`, "", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", time.Second)
	fee, err := idx.FeeEstimate(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, int64(13), fee)

	zeroSrv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		return `{"satPerVb":0}`, "", 0
	})
	zeroIdx := chainmonitor.NewRPCIndexer(zeroSrv.URL, "", time.Second)
	_, err = zeroIdx.FeeEstimate(context.Background(), 6)
	require.Error(t, err)
}

func TestRPCIndexerBroadcastReturnsTxidOnSuccess(t *testing.T) {
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		require.Equal(t, "sendrawtransaction", req.Method)
		return `"feedface"`, "", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", time.Second)
	txid, err := idx.Broadcast(context.Background(), []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, "feedface", txid)
}

func rawTxBytes(t *testing.T) []byte {
	t.Helper()
	var zero chainhash.Hash
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: *wire.NewOutPoint(&zero, 0)})
	tx.AddTxOut(wire.NewTxOut(1000, []byte{txscript.OP_TRUE}))
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

func TestRPCIndexerBroadcastTreatsAlreadyInMempoolAsSuccess(t *testing.T) {
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		return "", "transaction already in mempool", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", time.Second)
	raw := rawTxBytes(t)
	txid, err := idx.Broadcast(context.Background(), raw)
	require.NoError(t, err)
	require.NotEmpty(t, txid)
}

func TestRPCIndexerBroadcastClassifiesRejectionAsPermanent(t *testing.T) {
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		return "", "transaction rejected by policy", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", time.Second)
	_, err := idx.Broadcast(context.Background(), []byte{0x01})
	var bErr *escrow.BroadcastError
	require.ErrorAs(t, err, &bErr)
	require.False(t, bErr.Transient)
}

func TestRPCIndexerBroadcastClassifiesUnknownFailureAsTransient(t *testing.T) {
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		return "", "connection reset by peer", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", time.Second)
	_, err := idx.Broadcast(context.Background(), []byte{0x01})
	var bErr *escrow.BroadcastError
	require.ErrorAs(t, err, &bErr)
	require.True(t, bErr.Transient)
}

func TestNewRPCIndexerDefaultsTimeout(t *testing.T) {
	// NewRPCIndexer with a non-positive timeout must still build a usable
	// client rather than one with a zero (infinite) timeout; exercised
	// indirectly by confirming a call against a live server still succeeds.
	srv, _ := newRPCServer(t, func(req rpcEnvelope) (string, string, int) {
		return `[]`, "", 0
	})
	idx := chainmonitor.NewRPCIndexer(srv.URL, "", 0)
	_, err := idx.GetUtxos(context.Background(), "addr")
	require.NoError(t, err)
}
