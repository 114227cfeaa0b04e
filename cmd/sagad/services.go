package main

import (
	"github.com/spf13/cobra"

	"saga-checkout/internal/handlers"
	"saga-checkout/internal/infrastructure/payment"
	"saga-checkout/internal/listener"
	"saga-checkout/internal/repo"
	"saga-checkout/internal/service"
)

func orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Run the order coordinator and its REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, "order")
			if err != nil {
				return err
			}
			defer rt.Close()

			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := service.NewOrderService(repo.NewOrderRepo(rt.db.DB()), store, rt.cfg.Idempotency.TTL, rt.log, rt.metrics)
			engine := rt.router()
			handlers.NewOrderHandler(svc).Register(engine)
			return rt.serve(ctx, engine, listener.OrderRoutes(svc, rt.log))
		},
	}
}

func stockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stock",
		Short: "Run the stock service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, "stock")
			if err != nil {
				return err
			}
			defer rt.Close()

			store, err := rt.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			db := rt.db.DB()
			svc := service.NewStockService(repo.NewProductRepo(db), repo.NewOutboxRepo(db), store, rt.cfg.Idempotency.TTL, rt.log)
			return rt.serve(ctx, rt.router(), listener.StockRoutes(svc, rt.log))
		},
	}
}

func paymentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payment",
		Short: "Run the payment service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, "payment")
			if err != nil {
				return err
			}
			defer rt.Close()

			var gateway payment.Gateway
			if rt.cfg.PG.Mode == "http" {
				gateway = payment.NewHTTPGateway(rt.cfg.PG.BaseURL, rt.cfg.PG.SecretKey, rt.cfg.PG.Timeout)
			} else {
				rt.log.Warn("using the in-memory payment gateway")
				gateway = payment.NewFakeGateway(payment.RandomDecision)
			}

			db := rt.db.DB()
			svc := service.NewPaymentService(repo.NewPaymentRepo(db), repo.NewOutboxRepo(db), gateway, rt.log)
			return rt.serve(ctx, rt.router(), listener.PaymentRoutes(svc, rt.log))
		},
	}
}
