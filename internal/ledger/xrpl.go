package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/model"
)

// rippleEpoch is the Unix time of 2000-01-01T00:00:00Z, the XRPL time origin.
const rippleEpoch = 946684800

// memoType tags anchoring memos so retrieval ignores unrelated memos.
const memoType = "witness/anchor"

// XRPLLedger anchors hashes in the memo of an AccountSet transaction.
// Transactions are signed by the node from the configured secret.
type XRPLLedger struct {
	rpc          *rpcClient
	address      string
	secret       string
	explorer     string
	validatePoll int
	pollInterval time.Duration
}

// NewXRPLLedger creates a real XRPL adapter. hc may be nil.
func NewXRPLLedger(cfg config.XRPLConfig, rps float64, hc *http.Client) *XRPLLedger {
	return &XRPLLedger{
		rpc:          newRPCClient("xrpl", cfg.RPCURL, rps, hc),
		address:      cfg.Address,
		secret:       cfg.Secret,
		explorer:     cfg.ExplorerURL,
		validatePoll: 10,
		pollInterval: 2 * time.Second,
	}
}

func (l *XRPLLedger) Name() string { return model.LedgerXRPL }

func (l *XRPLLedger) ExplorerURL(txID string) string { return l.explorer + txID }

type xrplAccountInfo struct {
	AccountData struct {
		Balance  string `json:"Balance"`
		Sequence uint64 `json:"Sequence"`
	} `json:"account_data"`
}

// Init checks that the account exists and holds XRP.
func (l *XRPLLedger) Init(ctx context.Context) error {
	if l.address == "" || l.secret == "" {
		return eris.New("xrpl: address and secret must be configured")
	}

	var info xrplAccountInfo
	err := l.rpc.callRippled(ctx, "account_info", map[string]any{
		"account":      l.address,
		"ledger_index": "validated",
	}, &info)
	var rerr *rippledError
	if errors.As(err, &rerr) && rerr.Code == "actNotFound" {
		return eris.Errorf("xrpl: account %s is not funded", l.address)
	}
	if err != nil {
		return eris.Wrap(err, "xrpl: account info")
	}

	drops, err := strconv.ParseUint(info.AccountData.Balance, 10, 64)
	if err != nil {
		return eris.Wrapf(err, "xrpl: malformed balance %q", info.AccountData.Balance)
	}
	if drops == 0 {
		return eris.Errorf("xrpl: account %s is not funded", l.address)
	}

	zap.L().Info("xrpl: ledger ready",
		zap.String("account", l.address),
		zap.Uint64("balance_drops", drops),
	)
	return nil
}

type xrplMemo struct {
	Memo struct {
		MemoType string `json:"MemoType"`
		MemoData string `json:"MemoData"`
	} `json:"Memo"`
}

type xrplSubmitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

type xrplTx struct {
	Hash        string     `json:"hash"`
	Validated   bool       `json:"validated"`
	LedgerIndex uint64     `json:"ledger_index"`
	Date        int64      `json:"date"`
	Memos       []xrplMemo `json:"Memos"`
}

// Anchor submits an AccountSet carrying the hash and waits for validation.
// The submit is sent once; a lost reply is not retried.
func (l *XRPLLedger) Anchor(ctx context.Context, hash string) (Receipt, error) {
	if err := ValidateHash(hash); err != nil {
		return Receipt{}, err
	}

	var memo xrplMemo
	memo.Memo.MemoType = strings.ToUpper(hex.EncodeToString([]byte(memoType)))
	memo.Memo.MemoData = strings.ToUpper(hex.EncodeToString([]byte(hash)))

	var res xrplSubmitResult
	err := l.rpc.submitRippled(ctx, "submit", map[string]any{
		"secret": l.secret,
		"tx_json": map[string]any{
			"TransactionType": "AccountSet",
			"Account":         l.address,
			"Memos":           []xrplMemo{memo},
		},
	}, &res)
	if err != nil {
		return Receipt{}, eris.Wrap(err, "xrpl: submit")
	}
	if !accepted(res.EngineResult) {
		return Receipt{}, eris.Errorf("xrpl: submit rejected: %s %s", res.EngineResult, res.EngineResultMessage)
	}
	if res.TxJSON.Hash == "" {
		return Receipt{}, eris.New("xrpl: node returned no transaction hash")
	}

	return l.confirm(ctx, res.TxJSON.Hash)
}

// Confirm checks that txID carries hash and waits for it to be validated.
func (l *XRPLLedger) Confirm(ctx context.Context, txID, hash string) (Receipt, error) {
	tx, err := l.getTx(ctx, txID)
	if errors.Is(err, ErrNotFound) {
		return Receipt{}, err
	}
	if err != nil {
		return Receipt{}, l.unconfirmed(txID, err)
	}
	got, ok, err := anchoredHash(tx)
	if err != nil {
		return Receipt{}, err
	}
	if !ok || got != hash {
		return Receipt{}, eris.Errorf("xrpl: transaction %s carries %q, not %s", txID, got, hash)
	}
	if tx.Validated {
		return l.receipt(tx), nil
	}
	return l.confirm(ctx, txID)
}

func (l *XRPLLedger) confirm(ctx context.Context, txID string) (Receipt, error) {
	tx, err := l.waitForValidation(ctx, txID)
	if err != nil {
		return Receipt{}, l.unconfirmed(txID, err)
	}
	return l.receipt(tx), nil
}

func (l *XRPLLedger) receipt(tx *xrplTx) Receipt {
	zap.L().Info("xrpl: anchored",
		zap.String("tx_id", tx.Hash),
		zap.Uint64("ledger_index", tx.LedgerIndex),
	)
	return Receipt{TxID: tx.Hash, Position: tx.LedgerIndex, Timestamp: rippleTime(tx.Date)}
}

func (l *XRPLLedger) unconfirmed(txID string, err error) error {
	return &UnconfirmedError{Ledger: model.LedgerXRPL, TxID: txID, Err: err}
}

// accepted reports whether an engine result means the transaction was
// applied or queued for a future ledger.
func accepted(code string) bool {
	return code == "tesSUCCESS" || code == "terQUEUED"
}

func (l *XRPLLedger) waitForValidation(ctx context.Context, txID string) (*xrplTx, error) {
	for i := 0; i < l.validatePoll; i++ {
		tx, err := l.getTx(ctx, txID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if tx != nil && tx.Validated {
			return tx, nil
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "xrpl: waiting for validation of %s", txID)
		case <-time.After(l.pollInterval):
		}
	}
	return nil, eris.Errorf("xrpl: transaction %s not validated after %d polls", txID, l.validatePoll)
}

func (l *XRPLLedger) getTx(ctx context.Context, txID string) (*xrplTx, error) {
	var tx xrplTx
	err := l.rpc.callRippled(ctx, "tx", map[string]any{"transaction": txID, "binary": false}, &tx)
	var rerr *rippledError
	if errors.As(err, &rerr) && rerr.Code == "txnNotFound" {
		return nil, eris.Wrapf(ErrNotFound, "xrpl: %s", txID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "xrpl: get transaction")
	}
	return &tx, nil
}

// Retrieve reads the anchored hash back from the transaction memo.
func (l *XRPLLedger) Retrieve(ctx context.Context, txID string) (model.LedgerEntry, error) {
	tx, err := l.getTx(ctx, txID)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if !tx.Validated {
		return model.LedgerEntry{}, eris.Errorf("xrpl: transaction %s is not validated", txID)
	}

	hash, ok, err := anchoredHash(tx)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if !ok {
		return model.LedgerEntry{}, eris.Wrapf(ErrNotFound, "xrpl: %s carries no anchor memo", txID)
	}
	return model.LedgerEntry{
		Ledger:    model.LedgerXRPL,
		TxID:      tx.Hash,
		Hash:      hash,
		Position:  tx.LedgerIndex,
		Timestamp: rippleTime(tx.Date),
	}, nil
}

// anchoredHash decodes the first anchoring memo of tx.
func anchoredHash(tx *xrplTx) (string, bool, error) {
	wantType := strings.ToUpper(hex.EncodeToString([]byte(memoType)))
	for _, m := range tx.Memos {
		if strings.ToUpper(m.Memo.MemoType) != wantType {
			continue
		}
		data, err := hex.DecodeString(m.Memo.MemoData)
		if err != nil {
			return "", false, eris.Wrap(err, "xrpl: decode memo")
		}
		return string(data), true, nil
	}
	return "", false, nil
}

func rippleTime(date int64) time.Time {
	return time.Unix(date+rippleEpoch, 0).UTC()
}
