package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/credit-broker/internal/broker"
	"github.com/sells-group/credit-broker/internal/connector"
	"github.com/sells-group/credit-broker/internal/gateway"
	"github.com/sells-group/credit-broker/internal/ledger"
	"github.com/sells-group/credit-broker/internal/provider"
	"github.com/sells-group/credit-broker/internal/ratelimit"
	"github.com/sells-group/credit-broker/internal/secrets"
	"github.com/sells-group/credit-broker/internal/store"
)

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.SQLitePath())
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func newLedger(st ledger.Store) *ledger.Ledger {
	return ledger.New(st, ledger.Options{
		Pricing:       cfg.Ledger.Pricing,
		RefundRetry:   cfg.Ledger.RefundRetry.RetryConfig(),
		RefundTimeout: time.Duration(cfg.Ledger.RefundTimeoutSecs) * time.Second,
	})
}

// services is everything the integration commands and the server share.
type services struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Codec     *secrets.Codec
	Providers *provider.Registry
	Broker    *broker.Broker
	Limiter   *ratelimit.Limiter
	Gateway   *gateway.Gateway
	Checker   *connector.Checker
}

func (s *services) Close() error {
	return s.Store.Close()
}

func initServices(ctx context.Context) (*services, error) {
	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	providers := provider.DefaultRegistry(cfg.ProviderConfigs())
	b := broker.New(st, codec, providers, broker.Options{
		Skew:           time.Duration(cfg.Broker.RefreshSkewSecs) * time.Second,
		RefreshTimeout: time.Duration(cfg.Broker.RefreshTimeoutSecs) * time.Second,
	})
	limiter := ratelimit.New()
	gw := gateway.New(b, providers, limiter, gateway.Options{
		Timeout: time.Duration(cfg.Gateway.TimeoutSecs) * time.Second,
		Breaker: cfg.Gateway.Breaker.BreakerConfig(),
	})

	return &services{
		Store:     st,
		Ledger:    newLedger(st),
		Codec:     codec,
		Providers: providers,
		Broker:    b,
		Limiter:   limiter,
		Gateway:   gw,
		Checker:   connector.New(b, gw, st, connector.Options{}),
	}, nil
}
