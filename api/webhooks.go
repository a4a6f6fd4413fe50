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
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	payouts "github.com/Whykay012/referral-payouts"
	"github.com/Whykay012/referral-payouts/api/middleware"
)

// WebhookSecretHeader carries the per-provider shared secret.
const WebhookSecretHeader = "X-Webhook-Secret"

// ProviderWebhook accepts a final transfer status from a provider. The
// provider must be configured and present its webhook secret.
func (a Api) ProviderWebhook(c *gin.Context) {
	provider := strings.ToLower(c.Param("provider"))
	pc, ok := a.cnf.Providers[provider]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider " + provider})
		return
	}
	if pc.WebhookSecret == "" {
		logrus.WithField("provider", provider).Error("webhook received but no webhook secret is configured")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "webhook secret is not configured"})
		return
	}
	if !middleware.SecureCompare(pc.WebhookSecret, c.GetHeader(WebhookSecretHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}

	var confirmation payouts.ProviderConfirmation
	if err := c.ShouldBindJSON(&confirmation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payout, err := a.service.ConfirmPayout(c.Request.Context(), confirmation)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"provider":  provider,
			"payout_id": confirmation.PayoutID,
		}).Warn("provider confirmation rejected")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, payout)
}
