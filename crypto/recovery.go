package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// MaxCSVBlocks is the largest relative-locktime value (in blocks) accepted
// for a recovery script; above this the CSV encoding would switch to the
// time-based interpretation, which this engine does not use.
const MaxCSVBlocks = 0xFFFF

// RecoveryScript builds the timelock-wrapped variant of the 2-of-3 witness
// script used for the RECOVERY transaction type:
// <timelock> OP_CSV OP_DROP <multisig>. It reuses the same lexicographically
// ordered keys as the plain escrow script so both scripts commit to an
// identical signer set.
func RecoveryScript(net *chaincfg.Params, ordered [3]CompressedPubKey, timelockBlocks int64) (*EscrowScript, error) {
	if timelockBlocks <= 0 || timelockBlocks > MaxCSVBlocks {
		return nil, fmt.Errorf("crypto: timelock out of range: %d", timelockBlocks)
	}
	multisig, err := multisigScript(ordered)
	if err != nil {
		return nil, fmt.Errorf("build multisig script: %w", err)
	}

	builder := txscript.NewScriptBuilder()
	builder.AddInt64(timelockBlocks)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOps(multisig)
	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("build recovery script: %w", err)
	}

	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], net)
	if err != nil {
		return nil, fmt.Errorf("derive recovery P2WSH address: %w", err)
	}

	return &EscrowScript{
		WitnessScript: script,
		ScriptHash:    hash,
		Address:       addr,
		OrderedKeys:   ordered,
	}, nil
}
