package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kostush/purchase-gateway-sub010/api"
	"github.com/kostush/purchase-gateway-sub010/breaker"
	"github.com/kostush/purchase-gateway-sub010/cascade"
	"github.com/kostush/purchase-gateway-sub010/clients"
	"github.com/kostush/purchase-gateway-sub010/command"
	"github.com/kostush/purchase-gateway-sub010/config"
	"github.com/kostush/purchase-gateway-sub010/db"
	"github.com/kostush/purchase-gateway-sub010/idempotency"
	"github.com/kostush/purchase-gateway-sub010/session"
	"github.com/kostush/purchase-gateway-sub010/site"
	"github.com/kostush/purchase-gateway-sub010/token"
	"github.com/kostush/purchase-gateway-sub010/versioning"
)

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
}

func endpoint(s config.ServiceConfig) clients.Endpoint {
	return clients.Endpoint{BaseURL: s.BaseURL, Timeout: s.Timeout}
}

func breakerSettings(cfg config.Config) breaker.Settings {
	return breaker.Settings{
		MaxRequests:         cfg.Breaker.MaxRequests,
		Interval:            cfg.Breaker.Interval,
		Timeout:             cfg.Breaker.Timeout,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
	}
}

// gateway is everything the HTTP surface runs on.
type gateway struct {
	deps   command.Deps
	tokens *token.Issuer
}

func buildGateway(cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*gateway, error) {
	cipher, err := session.NewCipher(cfg.Security.PaymentKey)
	if err != nil {
		return nil, fmt.Errorf("payment cipher: %w", err)
	}
	codec := session.NewCodec(cipher, versioning.NewConverter(versioning.SessionChain, logger))
	tokens := token.NewIssuer(cfg.Security.JWTSecret, cfg.Security.JWTTTL)
	bs := breakerSettings(cfg)

	deps := command.Deps{
		Sessions:  session.NewRepository(pool, codec, logger),
		Purchases: session.NewPurchaseRepository(pool),
		Guard: idempotency.NewGuard(idempotency.NewPGStore(pool), logger,
			idempotency.WithInFlightTTL(cfg.Idempotency.InFlightTTL),
			idempotency.WithMaxWait(cfg.Idempotency.MaxWait)),
		Cascades:     cascade.NewSelector(clients.NewCascadeClient(endpoint(cfg.Services.Cascade), bs, logger), logger),
		Transactions: clients.NewTransactionClient(endpoint(cfg.Services.Transaction), bs, logger),
		Sites:        site.NewService(site.NewRepository(pool), cfg.Sites.CacheTTL),
		Fraud:        clients.NewFraudClient(endpoint(cfg.Services.Fraud), bs, logger),
		Postbacks:    clients.NewPostbackClient(endpoint(cfg.Services.Postback), bs, logger),
		BI:           clients.NewBIClient(endpoint(cfg.Services.BI), bs, logger),
		URLs:         api.NewURLBuilder(cfg.HTTP.PublicBaseURL, tokens),
		ReturnPolicy: command.ReturnPolicy{
			InitialInterval: cfg.ReturnPolicy.InitialInterval,
			MaxElapsed:      cfg.ReturnPolicy.MaxElapsed,
		},
		Logger: logger,
	}
	return &gateway{deps: deps, tokens: tokens}, nil
}
