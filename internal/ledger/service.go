package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/witness-cli/internal/config"
	"github.com/sells-group/witness-cli/internal/model"
)

// Service anchors to every configured ledger. Build one per process and
// share it; ledger credentials are checked once by Init.
type Service struct {
	ledgers []Anchorer
	byName  map[string]Anchorer
	timeout time.Duration

	initOnce sync.Once
	mu       sync.RWMutex
	initDone bool
	initErr  map[string]error
}

// NewService creates a Service over the given adapters. A zero timeout means 30s.
func NewService(timeout time.Duration, ledgers ...Anchorer) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Service{
		ledgers: ledgers,
		byName:  make(map[string]Anchorer, len(ledgers)),
		timeout: timeout,
		initErr: make(map[string]error),
	}
	for _, l := range ledgers {
		s.byName[l.Name()] = l
	}
	return s
}

// NewServiceFromConfig builds the EVM and XRPL adapters in the configured
// mode. Mock adapters journal into j.
func NewServiceFromConfig(cfg config.LedgerConfig, j Journal) *Service {
	if j == nil {
		j = NewMemoryJournal()
	}

	var evm, xrpl Anchorer
	if cfg.EVMMode() == "real" {
		evm = NewEVMLedger(cfg.EVM, cfg.RPS, nil)
	} else {
		evm = NewMockLedger(model.LedgerEVM, cfg.EVM.ExplorerURL, j)
	}
	if cfg.XRPLMode() == "real" {
		xrpl = NewXRPLLedger(cfg.XRPL, cfg.RPS, nil)
	} else {
		xrpl = NewMockLedger(model.LedgerXRPL, cfg.XRPL.ExplorerURL, j)
	}
	return NewService(time.Duration(cfg.TimeoutSecs)*time.Second, evm, xrpl)
}

// Names lists the ledgers in anchoring order.
func (s *Service) Names() []string {
	out := make([]string, len(s.ledgers))
	for i, l := range s.ledgers {
		out[i] = l.Name()
	}
	return out
}

// Init runs each adapter's one-time setup. Later calls return the first
// outcome. A failed ledger stays unusable; the others keep working.
func (s *Service) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		errs := make(map[string]error)
		for _, l := range s.ledgers {
			ictx, cancel := context.WithTimeout(ctx, s.timeout)
			err := l.Init(ictx)
			cancel()
			if err != nil {
				zap.L().Error("ledger: init failed", zap.String("ledger", l.Name()), zap.Error(err))
				errs[l.Name()] = err
			}
		}
		s.mu.Lock()
		s.initErr = errs
		s.initDone = true
		s.mu.Unlock()
	})
	var errs []error
	for _, l := range s.ledgers {
		if err := s.readyErr(l.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ready returns the init error for one ledger, if any. Before Init has
// finished every ledger reports ErrNotReady.
func (s *Service) Ready(name string) error {
	if _, ok := s.byName[name]; !ok {
		return eris.Wrapf(ErrUnknownLedger, "%s", name)
	}
	s.mu.RLock()
	done := s.initDone
	s.mu.RUnlock()
	if !done {
		return eris.Wrapf(ErrNotReady, "%s: init has not completed", name)
	}
	return s.readyErr(name)
}

func (s *Service) readyErr(name string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initErr[name]
}

// AnchorAll anchors hash on every ledger that does not already hold it
// according to existing. Ledgers run concurrently, each under its own
// timeout, and one ledger's failure never affects another. The result has
// one record per ledger.
func (s *Service) AnchorAll(ctx context.Context, hash string, existing map[string]model.AnchorRecord) map[string]model.AnchorRecord {
	_ = s.Init(ctx)

	out := make(map[string]model.AnchorRecord, len(s.ledgers))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range s.ledgers {
		prev, had := existing[l.Name()]
		if had && prev.State == model.AnchorAnchored && prev.Hash == hash {
			out[l.Name()] = prev
			continue
		}

		g.Go(func() error {
			rec := s.anchorOne(gctx, l, hash, prev)
			mu.Lock()
			out[l.Name()] = rec
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// anchorOne anchors hash on l. When prev failed after its transaction was
// submitted, that transaction is confirmed first and a new one is only sent
// if the ledger never saw it.
func (s *Service) anchorOne(ctx context.Context, l Anchorer, hash string, prev model.AnchorRecord) model.AnchorRecord {
	attempt := prev.Attempts + 1
	rec := model.AnchorRecord{
		Ledger:   l.Name(),
		Hash:     hash,
		Attempts: attempt,
	}
	fail := func(err error) model.AnchorRecord {
		rec.State = model.AnchorFailed
		rec.Error = err.Error()
		rec.TxID = SubmittedTxID(err)
		zap.L().Warn("ledger: anchor failed",
			zap.String("ledger", l.Name()),
			zap.String("hash", hash),
			zap.Int("attempt", attempt),
			zap.String("tx_id", rec.TxID),
			zap.Error(err),
		)
		return rec
	}
	succeed := func(receipt Receipt) model.AnchorRecord {
		at := receipt.Timestamp
		rec.State = model.AnchorAnchored
		rec.TxID = receipt.TxID
		rec.Position = receipt.Position
		rec.AnchoredAt = &at
		rec.Mock = receipt.Mock
		rec.Error = ""
		return rec
	}

	if err := s.readyErr(l.Name()); err != nil {
		return fail(eris.Wrapf(ErrNotReady, "%s: %v", l.Name(), err))
	}

	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if prev.State == model.AnchorFailed && prev.TxID != "" && prev.Hash == hash {
		receipt, err := l.Confirm(actx, prev.TxID, hash)
		switch {
		case err == nil:
			return succeed(receipt)
		case errors.Is(err, ErrNotFound):
			zap.L().Warn("ledger: earlier transaction dropped, resubmitting",
				zap.String("ledger", l.Name()),
				zap.String("tx_id", prev.TxID),
			)
		default:
			return fail(err)
		}
	}

	receipt, err := l.Anchor(actx, hash)
	if err != nil {
		return fail(err)
	}
	return succeed(receipt)
}

// Retrieve looks up txID on the named ledger.
func (s *Service) Retrieve(ctx context.Context, ledger, txID string) (model.LedgerEntry, error) {
	l, ok := s.byName[ledger]
	if !ok {
		return model.LedgerEntry{}, eris.Wrapf(ErrUnknownLedger, "%s", ledger)
	}
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return l.Retrieve(rctx, txID)
}

// ExplorerURL returns the explorer link for txID on the named ledger.
func (s *Service) ExplorerURL(ledger, txID string) string {
	if l, ok := s.byName[ledger]; ok {
		return l.ExplorerURL(txID)
	}
	return ""
}
