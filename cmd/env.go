package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/witness-cli/internal/audit"
	"github.com/sells-group/witness-cli/internal/document"
	"github.com/sells-group/witness-cli/internal/ledger"
	"github.com/sells-group/witness-cli/internal/notify"
	"github.com/sells-group/witness-cli/internal/session"
	"github.com/sells-group/witness-cli/internal/storage"
	"github.com/sells-group/witness-cli/internal/store"
	"github.com/sells-group/witness-cli/internal/verify"
	anthropicpkg "github.com/sells-group/witness-cli/pkg/anthropic"
)

// witnessEnv holds the initialized services used by serve and the
// operational commands.
type witnessEnv struct {
	Store    store.Store
	Ledgers  *ledger.Service
	Sessions *session.Service
	Auditor  *audit.Verifier
	Notifier notify.Dispatcher
}

// Close waits for in-flight notifications and releases the store.
func (e *witnessEnv) Close() {
	if wd, ok := e.Notifier.(*notify.WebhookDispatcher); ok {
		wd.Wait()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "witness.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initLedgers builds the ledger service. Mock ledgers journal into st so
// their anchors survive restarts. Init failures are logged and leave the
// affected ledger unusable.
func initLedgers(ctx context.Context, st store.Store) *ledger.Service {
	ledgers := ledger.NewServiceFromConfig(cfg.Ledger, st)
	if err := ledgers.Init(ctx); err != nil {
		zap.L().Warn("ledger init incomplete", zap.Error(err))
	}
	return ledgers
}

// initEnv validates config for mode and wires every service. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*witnessEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	objects, err := storage.NewLocalStore(cfg.Storage.Dir, cfg.Storage.BaseURL)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	emitter, err := document.NewEmitter(objects)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if cfg.Anthropic.Key == "" {
		zap.L().Warn("WITNESS_ANTHROPIC_KEY not set, verification will degrade to manual review")
	}
	provider := verify.NewClaudeProvider(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic, objects)
	collectors, err := verify.NewCollectors(provider, cfg.Verification)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init collectors")
	}

	ledgers := initLedgers(ctx, st)
	notifier := notify.New(cfg.Notify)

	sessions := session.NewService(session.Deps{
		Store:    st,
		Analyzer: collectors,
		Ledgers:  ledgers,
		Emitter:  emitter,
		Objects:  objects,
		Notifier: notifier,
	}, session.ConfigFrom(cfg))

	zap.L().Info("witness services ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("ledgers", ledgers.Names()),
		zap.String("evm_mode", cfg.Ledger.EVMMode()),
		zap.String("xrpl_mode", cfg.Ledger.XRPLMode()),
		zap.Int("min_anchors", cfg.Ledger.MinAnchors),
	)

	return &witnessEnv{
		Store:    st,
		Ledgers:  ledgers,
		Sessions: sessions,
		Auditor:  audit.NewVerifier(ledgers, st),
		Notifier: notifier,
	}, nil
}
