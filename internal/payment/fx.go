package payment

import (
	"github.com/smallbiznis/curlara/internal/config"
	"github.com/smallbiznis/curlara/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	"github.com/smallbiznis/curlara/internal/payment/repository"
	paymentservice "github.com/smallbiznis/curlara/internal/payment/service"
	"github.com/smallbiznis/curlara/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) paymentdomain.ProcessorClient {
		return stripe.NewClient(cfg.Stripe.SecretKey, cfg.Stripe.APIBase)
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
