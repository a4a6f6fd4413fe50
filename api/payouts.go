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
	"time"

	"github.com/gin-gonic/gin"

	payouts "github.com/Whykay012/referral-payouts"
	apimodel "github.com/Whykay012/referral-payouts/api/model"
	"github.com/Whykay012/referral-payouts/internal/apierror"
	"github.com/Whykay012/referral-payouts/model"
)

func respondError(c *gin.Context, err error) {
	status, body := apierror.FromError(err)
	c.JSON(status, body)
}

// OrderCompleted queues the commission for a completed order. Crediting
// happens on a worker, so the response only acknowledges receipt.
func (a Api) OrderCompleted(c *gin.Context) {
	var req model.CommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.service.SubmitCommission(c.Request.Context(), req); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "order_ref": req.OrderRef})
}

func (a Api) GetPayout(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	view, err := a.service.GetPayoutStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (a Api) CancelPayout(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req apimodel.CancelPayout
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	payout, err := a.service.CancelPayout(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, payout)
}

func (a Api) UpdatePayoutAccount(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req apimodel.PayoutAccount
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	referrer, err := a.service.UpdateReferrerPayoutAccount(c.Request.Context(), id, req.ToRequest())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, referrer)
}

func (a Api) RecoverPayouts(c *gin.Context) {
	var req apimodel.RecoverPayouts
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	fallback := time.Duration(a.cnf.Payout.StuckThresholdMinutes) * time.Minute
	recovered, err := a.service.RecoverPayouts(c.Request.Context(), req.Threshold(fallback))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, apimodel.RecoverPayoutsResponse{Recovered: recovered})
}

// compile-time check that the pipeline satisfies the HTTP surface.
var _ Service = (*payouts.Payouts)(nil)
