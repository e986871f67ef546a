// Copyright 2025 The Kestrel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ai/kestrel/pkg/catalog"
	"github.com/kestrel-ai/kestrel/pkg/httpclient"
)

// ModelFactory runs ml_model tools. Tools carrying an "endpoint" in their
// service config call out over HTTP; tools carrying only a "model_id" are
// served by the in-process mock models.
type ModelFactory struct {
	client *httpclient.Client
}

func NewModelFactory() *ModelFactory {
	return &ModelFactory{
		client: httpclient.New(httpclient.WithTimeout(60 * time.Second)),
	}
}

func (m *ModelFactory) Predict(ctx context.Context, tool *catalog.Tool, args map[string]interface{}) (map[string]interface{}, error) {
	endpoint := configString(tool.ServiceConfig, "endpoint")
	modelID := configString(tool.ServiceConfig, "model_id")

	if endpoint != "" {
		body := map[string]interface{}{"inputs": []interface{}{args}}
		return postJSON(ctx, m.client, endpoint, nil, body)
	}
	if modelID == "" {
		return nil, fmt.Errorf("ml_model tool requires model_id or endpoint in service config")
	}

	return map[string]interface{}{
		"prediction_id":     "pred-" + uuid.NewString()[:12],
		"model_id":          modelID,
		"status":            "success",
		"predictions":       []interface{}{mockPrediction(modelID, args)},
		"execution_time_ms": 50.0,
	}, nil
}

// mockPrediction mirrors the stock model factory models.
func mockPrediction(modelID string, args map[string]interface{}) map[string]interface{} {
	switch modelID {
	case "credit-score-v2":
		score := 500 + rand.Intn(401)
		rating := "A"
		if score >= 800 {
			rating = "AAA"
		} else if score >= 700 {
			rating = "AA"
		}
		return map[string]interface{}{"score": score, "rating": rating}
	case "fraud-detection-v1":
		prob := 0.01 + rand.Float64()*0.14
		return map[string]interface{}{
			"is_fraud":          prob > 0.1,
			"fraud_probability": prob,
		}
	case "loan-approval-v3":
		approved := rand.Float64() > 0.35
		maxAmount := 0
		if approved {
			maxAmount = 10000 + rand.Intn(490001)
		}
		return map[string]interface{}{"approved": approved, "max_amount": maxAmount}
	default:
		return map[string]interface{}{"prediction": "mock_result", "confidence": 0.85}
	}
}

// DataWarehouse runs data_api tools against the analytics warehouse. The
// service config supplies either a query_template with {arg} placeholders
// or a bare table_name.
type DataWarehouse struct {
	client *httpclient.Client
}

func NewDataWarehouse() *DataWarehouse {
	return &DataWarehouse{
		client: httpclient.New(httpclient.WithTimeout(300 * time.Second)),
	}
}

var warehouseTables = map[string][]map[string]interface{}{
	"customers": {
		{"id": 1, "name": "张三", "email": "zhangsan@example.com"},
		{"id": 2, "name": "李四", "email": "lisi@example.com"},
		{"id": 3, "name": "王五", "email": "wangwu@example.com"},
	},
	"transactions": {
		{"id": 1001, "customer_id": 1, "amount": 5000.00, "transaction_date": "2024-03-01"},
		{"id": 1002, "customer_id": 2, "amount": 12500.50, "transaction_date": "2024-03-02"},
		{"id": 1003, "customer_id": 1, "amount": 3200.00, "transaction_date": "2024-03-03"},
	},
	"loan_applications": {
		{"id": 10001, "customer_id": 1, "amount_requested": 50000.00, "status": "approved"},
		{"id": 10002, "customer_id": 3, "amount_requested": 100000.00, "status": "pending"},
	},
	"dim_customer": {
		{"customer_id": "C001", "customer_name": "张三", "segment": "retail", "risk_flag": "low"},
		{"customer_id": "C002", "customer_name": "李四", "segment": "corporate", "risk_flag": "medium"},
	},
}

func (w *DataWarehouse) Query(ctx context.Context, tool *catalog.Tool, args map[string]interface{}) (map[string]interface{}, error) {
	endpoint := configString(tool.ServiceConfig, "endpoint")
	query := configString(tool.ServiceConfig, "query_template")
	table := configString(tool.ServiceConfig, "table_name")

	switch {
	case query != "":
		for key, value := range args {
			query = strings.ReplaceAll(query, "{"+key+"}", fmt.Sprint(value))
		}
	case table != "":
		query = "SELECT * FROM " + table
	default:
		return nil, fmt.Errorf("data_api tool requires query_template or table_name in service config")
	}

	if endpoint != "" {
		body := map[string]interface{}{"query": query, "params": args}
		return postJSON(ctx, w.client, endpoint, nil, body)
	}

	rows, columns := mockWarehouseRows(query)
	return map[string]interface{}{
		"query_id":          "dw-query-" + uuid.NewString()[:8],
		"status":            "completed",
		"query":             query,
		"columns":           columns,
		"data":              rows,
		"rows_affected":     len(rows),
		"execution_time_ms": 150.5,
	}, nil
}

func mockWarehouseRows(query string) ([]map[string]interface{}, []string) {
	lowered := strings.ToLower(query)
	for table, rows := range warehouseTables {
		if strings.Contains(lowered, table) {
			columns := make([]string, 0)
			if len(rows) > 0 {
				for col := range rows[0] {
					columns = append(columns, col)
				}
			}
			return rows, columns
		}
	}
	return []map[string]interface{}{{"result": "mock_data", "count": 100}}, []string{"result", "count"}
}

// ExternalAPI runs external_api tools as plain HTTP calls. The service
// config must supply a url; method defaults to POST and headers are
// forwarded as-is.
type ExternalAPI struct {
	client *httpclient.Client
}

func NewExternalAPI() *ExternalAPI {
	return &ExternalAPI{
		client: httpclient.New(),
	}
}

func (x *ExternalAPI) Call(ctx context.Context, tool *catalog.Tool, args map[string]interface{}) (map[string]interface{}, error) {
	target := configString(tool.ServiceConfig, "url")
	if target == "" {
		return nil, fmt.Errorf("external_api tool requires url in service config")
	}

	method := strings.ToUpper(configString(tool.ServiceConfig, "method"))
	if method == "" {
		method = http.MethodPost
	}

	headers := map[string]string{}
	if raw, ok := tool.ServiceConfig["headers"].(map[string]interface{}); ok {
		for key, value := range raw {
			headers[key] = fmt.Sprint(value)
		}
	}

	if method == http.MethodGet {
		return getJSON(ctx, x.client, target, headers, args)
	}
	return postJSON(ctx, x.client, target, headers, args)
}

func configString(config map[string]interface{}, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func postJSON(ctx context.Context, client *httpclient.Client, target string, headers map[string]string, body map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return doJSON(client, req)
}

func getJSON(ctx context.Context, client *httpclient.Client, target string, headers map[string]string, params map[string]interface{}) (map[string]interface{}, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", target, err)
	}
	query := parsed.Query()
	for key, value := range params {
		query.Set(key, fmt.Sprint(value))
	}
	parsed.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return doJSON(client, req)
}

func doJSON(client *httpclient.Client, req *http.Request) (map[string]interface{}, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	result := map[string]interface{}{}
	if err := json.Unmarshal(raw, &result); err != nil {
		// Non-object responses are wrapped so callers always get a map.
		return map[string]interface{}{"response": strings.TrimSpace(string(raw))}, nil
	}
	return result, nil
}
