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

package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ToJsonReq serializes payload into a buffer suitable as a request body.
func ToJsonReq(payload interface{}) (*bytes.Buffer, error) {
	c, e := json.Marshal(payload)
	if e != nil {
		return nil, e
	}
	return bytes.NewBuffer(c), nil
}

// PostJSON sends payload to url and fails on any non 2xx response.
// The response body is decoded into response when it is non-nil.
//
// Parameters:
// - ctx context.Context: Bounds the request.
// - client *http.Client: The client to send with; http.DefaultClient when nil.
// - url string: The destination.
// - payload interface{}: The JSON body.
// - response interface{}: Optional target for the decoded response body.
//
// Returns:
// - error: An error if the request fails or the status is not 2xx.
func PostJSON(ctx context.Context, client *http.Client, url string, payload, response interface{}) error {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := ToJsonReq(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s returned %d: %s", url, resp.StatusCode, string(data))
	}
	if response != nil && len(data) > 0 {
		return json.Unmarshal(data, response)
	}
	return nil
}
