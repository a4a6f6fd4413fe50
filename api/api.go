/*
Copyright 2024 Referral Payouts Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	payouts "github.com/Whykay012/referral-payouts"
	"github.com/Whykay012/referral-payouts/api/middleware"
	"github.com/Whykay012/referral-payouts/config"
	"github.com/Whykay012/referral-payouts/model"
)

// Service is the part of the payout pipeline exposed over HTTP.
type Service interface {
	SubmitCommission(ctx context.Context, req model.CommissionRequest) error
	ConfirmPayout(ctx context.Context, c payouts.ProviderConfirmation) (*model.PayoutTransaction, error)
	GetPayoutStatus(ctx context.Context, payoutID string) (*payouts.PayoutView, error)
	CancelPayout(ctx context.Context, payoutID, reason string) (*model.PayoutTransaction, error)
	UpdateReferrerPayoutAccount(ctx context.Context, referrerID string, req payouts.PayoutAccountRequest) (*model.Referrer, error)
	RecoverPayouts(ctx context.Context, threshold time.Duration) (int, error)
}

type Api struct {
	service Service
	cnf     *config.Configuration
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/events/order-completed", a.OrderCompleted)
	router.POST("/webhooks/:provider", a.ProviderWebhook)

	router.GET("/payouts/:id", a.GetPayout)
	router.POST("/payouts/:id/cancel", a.CancelPayout)

	router.PUT("/referrers/:id/payout-account", a.UpdatePayoutAccount)

	router.POST("/reconciliation/recover", a.RecoverPayouts)
	return a.router
}

// NewAPI builds the router. A nil gatherer serves the default prometheus
// registry on /metrics.
func NewAPI(service Service, cnf *config.Configuration, gatherer prometheus.Gatherer) *Api {
	gin.SetMode(gin.ReleaseMode)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.Default()
	r.Use(otelgin.Middleware(cnf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(cnf))
	if cnf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(cnf))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return &Api{service: service, cnf: cnf, router: r}
}
