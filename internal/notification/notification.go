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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Whykay012/referral-payouts/internal/request"
)

// Notifier surfaces failures that need an operator: exhausted retries,
// outbox events that could not be relayed and conflicting provider
// confirmations. A nil Notifier only logs.
type Notifier struct {
	slackWebhookURL string
	client          *http.Client
}

// New returns a Notifier posting to slackWebhookURL when it is set.
func New(slackWebhookURL string) *Notifier {
	return &Notifier{
		slackWebhookURL: slackWebhookURL,
		client:          &http.Client{Timeout: 10 * time.Second},
	}
}

func slackMessage(systemError error, fields logrus.Fields) map[string]interface{} {
	details := ""
	for k, v := range fields {
		details += fmt.Sprintf("*%s:* %v\n", k, v)
	}
	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{"type": "plain_text", "text": "Payout needs attention", "emoji": true},
		},
		{
			"type":   "section",
			"fields": []map[string]string{{"type": "mrkdwn", "text": fmt.Sprintf("*Error:*\n%v", systemError)}},
		},
	}
	if details != "" {
		blocks = append(blocks, map[string]interface{}{
			"type":   "section",
			"fields": []map[string]string{{"type": "mrkdwn", "text": details}},
		})
	}
	blocks = append(blocks, map[string]interface{}{
		"type":   "section",
		"fields": []map[string]string{{"type": "mrkdwn", "text": fmt.Sprintf("*Time:*\n%v", time.Now().Format(time.RFC822))}},
	})
	return map[string]interface{}{"blocks": blocks}
}

// Send posts the error to Slack and waits for the result.
//
// Parameters:
// - ctx context.Context: Bounds the webhook call.
// - systemError error: The failure to report.
// - fields logrus.Fields: Identifiers that help locate the payout.
//
// Returns:
// - error: An error if the webhook call fails.
func (n *Notifier) Send(ctx context.Context, systemError error, fields logrus.Fields) error {
	if n == nil || n.slackWebhookURL == "" {
		return nil
	}
	return request.PostJSON(ctx, n.client, n.slackWebhookURL, slackMessage(systemError, fields), nil)
}

// NotifyError logs the failure and, if Slack is configured, posts it in the
// background so callers never block on the webhook.
func (n *Notifier) NotifyError(systemError error, fields logrus.Fields) {
	logrus.WithFields(fields).Error(systemError)
	if n == nil || n.slackWebhookURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.Send(ctx, systemError, fields); err != nil {
			logrus.WithError(err).Warn("failed to send slack notification")
		}
	}()
}
