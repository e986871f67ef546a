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

package catalog

import (
	"context"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/permission"
)

// Seed loads a demo catalog: the stock risk-model tools and one scoring
// skill. Existing entries with the same names are overwritten.
func Seed(ctx context.Context, store Store) error {
	now := time.Now().UTC()

	tools := []*Tool{
		{
			Name:        "credit_score",
			DisplayName: "信用评分",
			Description: "Query the credit score model for a customer",
			Kind:        KindMLModel,
			ServiceConfig: map[string]interface{}{
				"model_id": "credit-score-v2",
			},
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"customer_id": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"customer_id"},
			},
			Status:             StatusActive,
			Category:           "risk",
			Visibility:         permission.VisibilityInternal,
			AllowedDepartments: []string{permission.DeptRiskManagement, permission.DeptCreditManagement},
			AllowedRoles:       []string{permission.RoleAnalyst, permission.RoleManager},
			CreatedBy:          "system",
			CreatedAt:          now,
		},
		{
			Name:        "fraud_detection",
			DisplayName: "欺诈检测",
			Description: "Score a transaction for fraud risk",
			Kind:        KindMLModel,
			ServiceConfig: map[string]interface{}{
				"model_id": "fraud-detection-v1",
			},
			Status:             StatusActive,
			Category:           "risk",
			Visibility:         permission.VisibilityInternal,
			AllowedDepartments: []string{permission.DeptRiskManagement},
			CreatedBy:          "system",
			CreatedAt:          now,
		},
		{
			Name:        "loan_approval",
			DisplayName: "贷款审批",
			Description: "Evaluate a loan application",
			Kind:        KindMLModel,
			ServiceConfig: map[string]interface{}{
				"model_id": "loan-approval-v3",
			},
			Status:             StatusActive,
			Category:           "credit",
			Visibility:         permission.VisibilityInternal,
			AllowedDepartments: []string{permission.DeptCreditManagement},
			AllowedRoles:       []string{permission.RoleManager},
			CreatedBy:          "system",
			CreatedAt:          now,
		},
		{
			Name:        "customer_lookup",
			DisplayName: "客户查询",
			Description: "Look up customer records in the data warehouse",
			Kind:        KindDataAPI,
			ServiceConfig: map[string]interface{}{
				"table_name": "dim_customer",
			},
			Status:     StatusActive,
			Category:   "data",
			Visibility: permission.VisibilityPublic,
			CreatedBy:  "system",
			CreatedAt:  now,
		},
	}

	for _, tool := range tools {
		if err := store.SaveTool(ctx, tool); err != nil {
			return err
		}
	}

	skill := &Skill{
		Name:        "customer_risk_profile",
		DisplayName: "客户风险画像",
		Description: "Look up a customer and score their credit risk",
		Workflow: Workflow{
			Nodes: []WorkflowNode{
				{
					ID:   "lookup",
					Tool: "customer_lookup",
					ParamsMapping: map[string]interface{}{
						"customer_name": "$.input.customer_name",
					},
				},
				{
					ID:        "score",
					Tool:      "credit_score",
					DependsOn: []string{"lookup"},
					ParamsMapping: map[string]interface{}{
						"customer_id": "$.input.customer_id",
					},
				},
			},
			OutputMapping: map[string]string{
				"profile": "$.lookup",
				"score":   "$.score",
			},
		},
		ToolIDs:            []string{"customer_lookup", "credit_score"},
		Status:             StatusActive,
		Category:           "risk",
		Visibility:         permission.VisibilityInternal,
		AllowedDepartments: []string{permission.DeptRiskManagement, permission.DeptCreditManagement},
		AllowedRoles:       []string{permission.RoleAnalyst, permission.RoleManager},
		CreatedBy:          "system",
		CreatedAt:          now,
	}

	return store.SaveSkill(ctx, skill)
}
