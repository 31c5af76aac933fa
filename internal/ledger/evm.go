package ledger

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/model"
)

// EVMLedger anchors hashes as the data field of a zero-value self-send on an
// EVM chain. Signing is delegated to the node's account manager for the
// configured wallet address.
type EVMLedger struct {
	rpc          *rpcClient
	wallet       string
	chainID      int64
	explorer     string
	receiptPolls int
	pollInterval time.Duration
}

// NewEVMLedger creates a real EVM adapter. hc may be nil.
func NewEVMLedger(cfg config.EVMConfig, rps float64, hc *http.Client) *EVMLedger {
	polls := cfg.ReceiptPolls
	if polls <= 0 {
		polls = 10
	}
	return &EVMLedger{
		rpc:          newRPCClient("evm", cfg.RPCURL, rps, hc),
		wallet:       strings.ToLower(cfg.WalletAddress),
		chainID:      cfg.ChainID,
		explorer:     cfg.ExplorerURL,
		receiptPolls: polls,
		pollInterval: 2 * time.Second,
	}
}

func (l *EVMLedger) Name() string { return model.LedgerEVM }

func (l *EVMLedger) ExplorerURL(txID string) string { return l.explorer + txID }

// Init checks the chain id and that the wallet holds a balance.
func (l *EVMLedger) Init(ctx context.Context) error {
	if l.wallet == "" {
		return eris.New("evm: wallet address not configured")
	}

	var chainHex string
	if _, err := l.rpc.callJSONRPC(ctx, "eth_chainId", &chainHex); err != nil {
		return eris.Wrap(err, "evm: chain id")
	}
	chainID, err := parseQuantity(chainHex)
	if err != nil {
		return eris.Wrap(err, "evm: chain id")
	}
	if l.chainID > 0 && chainID != uint64(l.chainID) {
		return eris.Errorf("evm: connected to chain %d, expected %d", chainID, l.chainID)
	}

	var balanceHex string
	if _, err := l.rpc.callJSONRPC(ctx, "eth_getBalance", &balanceHex, l.wallet, "latest"); err != nil {
		return eris.Wrap(err, "evm: wallet balance")
	}
	balance, ok := new(big.Int).SetString(strings.TrimPrefix(balanceHex, "0x"), 16)
	if !ok {
		return eris.Errorf("evm: malformed balance %q", balanceHex)
	}
	if balance.Sign() <= 0 {
		return eris.Errorf("evm: wallet %s is not funded", l.wallet)
	}

	zap.L().Info("evm: ledger ready",
		zap.Uint64("chain_id", chainID),
		zap.String("wallet", l.wallet),
		zap.String("balance_wei", balance.String()),
	)
	return nil
}

type evmReceipt struct {
	BlockNumber string `json:"blockNumber"`
	Status      string `json:"status"`
}

type evmTransaction struct {
	Hash        string  `json:"hash"`
	Input       string  `json:"input"`
	BlockNumber *string `json:"blockNumber"`
}

type evmBlock struct {
	Timestamp string `json:"timestamp"`
}

// errReverted marks a mined transaction that failed; the hash is not anchored.
var errReverted = eris.New("evm: transaction reverted")

// Anchor submits the hash and waits for the transaction to be mined. The
// submit is sent once; a lost reply is not retried.
func (l *EVMLedger) Anchor(ctx context.Context, hash string) (Receipt, error) {
	if err := ValidateHash(hash); err != nil {
		return Receipt{}, err
	}

	var txHash string
	_, err := l.rpc.submitJSONRPC(ctx, "eth_sendTransaction", &txHash, map[string]string{
		"from":  l.wallet,
		"to":    l.wallet,
		"value": "0x0",
		"data":  "0x" + hash,
	})
	if err != nil {
		return Receipt{}, eris.Wrap(err, "evm: send transaction")
	}
	if txHash == "" {
		return Receipt{}, eris.New("evm: node returned no transaction hash")
	}
	return l.confirm(ctx, txHash)
}

// Confirm checks that txID carries hash and waits for it to be mined.
func (l *EVMLedger) Confirm(ctx context.Context, txID, hash string) (Receipt, error) {
	var tx evmTransaction
	found, err := l.rpc.callJSONRPC(ctx, "eth_getTransactionByHash", &tx, txID)
	if err != nil {
		return Receipt{}, l.unconfirmed(txID, eris.Wrap(err, "evm: get transaction"))
	}
	if !found {
		return Receipt{}, eris.Wrapf(ErrNotFound, "evm: %s", txID)
	}
	if got := strings.ToLower(strings.TrimPrefix(tx.Input, "0x")); got != hash {
		return Receipt{}, eris.Errorf("evm: transaction %s carries %q, not %s", txID, got, hash)
	}
	return l.confirm(ctx, txID)
}

func (l *EVMLedger) confirm(ctx context.Context, txHash string) (Receipt, error) {
	block, err := l.waitForReceipt(ctx, txHash)
	if errors.Is(err, errReverted) {
		return Receipt{}, err
	}
	if err != nil {
		return Receipt{}, l.unconfirmed(txHash, err)
	}
	ts, err := l.blockTime(ctx, block)
	if err != nil {
		return Receipt{}, l.unconfirmed(txHash, err)
	}

	zap.L().Info("evm: anchored",
		zap.String("tx_id", txHash),
		zap.Uint64("block", block),
	)
	return Receipt{TxID: txHash, Position: block, Timestamp: ts}, nil
}

func (l *EVMLedger) unconfirmed(txID string, err error) error {
	return &UnconfirmedError{Ledger: model.LedgerEVM, TxID: txID, Err: err}
}

func (l *EVMLedger) waitForReceipt(ctx context.Context, txHash string) (uint64, error) {
	for i := 0; i < l.receiptPolls; i++ {
		var rec evmReceipt
		found, err := l.rpc.callJSONRPC(ctx, "eth_getTransactionReceipt", &rec, txHash)
		if err != nil {
			return 0, eris.Wrap(err, "evm: transaction receipt")
		}
		if found && rec.BlockNumber != "" {
			if rec.Status == "0x0" {
				return 0, eris.Wrapf(errReverted, "evm: %s", txHash)
			}
			return parseQuantity(rec.BlockNumber)
		}

		select {
		case <-ctx.Done():
			return 0, eris.Wrapf(ctx.Err(), "evm: waiting for receipt of %s", txHash)
		case <-time.After(l.pollInterval):
		}
	}
	return 0, eris.Errorf("evm: transaction %s not mined after %d polls", txHash, l.receiptPolls)
}

func (l *EVMLedger) blockTime(ctx context.Context, block uint64) (time.Time, error) {
	var b evmBlock
	found, err := l.rpc.callJSONRPC(ctx, "eth_getBlockByNumber", &b, "0x"+strconv.FormatUint(block, 16), false)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "evm: get block")
	}
	if !found {
		return time.Time{}, eris.Errorf("evm: block %d not found", block)
	}
	secs, err := parseQuantity(b.Timestamp)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "evm: block timestamp")
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

// Retrieve reads the anchored hash back from the transaction input.
func (l *EVMLedger) Retrieve(ctx context.Context, txID string) (model.LedgerEntry, error) {
	var tx evmTransaction
	found, err := l.rpc.callJSONRPC(ctx, "eth_getTransactionByHash", &tx, txID)
	if err != nil {
		return model.LedgerEntry{}, eris.Wrap(err, "evm: get transaction")
	}
	if !found {
		return model.LedgerEntry{}, eris.Wrapf(ErrNotFound, "evm: %s", txID)
	}
	if tx.BlockNumber == nil {
		return model.LedgerEntry{}, eris.Errorf("evm: transaction %s is still pending", txID)
	}

	block, err := parseQuantity(*tx.BlockNumber)
	if err != nil {
		return model.LedgerEntry{}, eris.Wrap(err, "evm: block number")
	}
	ts, err := l.blockTime(ctx, block)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	return model.LedgerEntry{
		Ledger:    model.LedgerEVM,
		TxID:      txID,
		Hash:      strings.ToLower(strings.TrimPrefix(tx.Input, "0x")),
		Position:  block,
		Timestamp: ts,
	}, nil
}

// parseQuantity decodes a 0x-prefixed hex quantity.
func parseQuantity(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") {
		return 0, eris.Errorf("malformed quantity %q", s)
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "malformed quantity %q", s)
	}
	return v, nil
}
