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

// Package permission implements pure access rules for catalog resources.
// The same predicate filters listings and guards tool invocation.
package permission

// Visibility controls who may see and invoke a resource.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityInternal Visibility = "internal"
)

// Well-known role names.
const (
	RoleAdmin     = "admin"
	RoleManager   = "manager"
	RoleAnalyst   = "analyst"
	RoleViewer    = "viewer"
	RoleDeveloper = "developer"
)

// Well-known department names.
const (
	DeptRiskManagement   = "风险管理部"
	DeptCreditManagement = "信贷管理部"
	DeptTechnology       = "科技部"
	DeptBusiness         = "业务部"
	DeptOperations       = "运营部"
)

// Subject is the acting user.
type Subject struct {
	UserID     string
	Department string
	Roles      []string
	Superuser  bool
}

// Anonymous reports whether the subject carries no identity.
func (s Subject) Anonymous() bool {
	return s.UserID == ""
}

// HasRole reports whether the subject holds the given role.
func (s Subject) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ACL describes the access surface of a resource.
type ACL struct {
	Visibility         Visibility
	CreatedBy          string
	AllowedDepartments []string
	AllowedRoles       []string
}

// CanAccess applies the access rules in order:
// public resources are open to everyone, anonymous subjects are denied
// everything else, superusers pass, private resources admit only their
// creator, internal resources admit matching departments or roles, and
// anything unrecognized is denied.
func CanAccess(subject Subject, acl ACL) bool {
	if acl.Visibility == VisibilityPublic {
		return true
	}

	if subject.Anonymous() {
		return false
	}

	if subject.Superuser {
		return true
	}

	switch acl.Visibility {
	case VisibilityPrivate:
		return acl.CreatedBy != "" && acl.CreatedBy == subject.UserID

	case VisibilityInternal:
		for _, dept := range acl.AllowedDepartments {
			if dept == subject.Department {
				return true
			}
		}
		for _, role := range acl.AllowedRoles {
			if subject.HasRole(role) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// Filter returns the items the subject may access.
func Filter[T any](subject Subject, items []T, acl func(T) ACL) []T {
	result := make([]T, 0, len(items))
	for _, item := range items {
		if CanAccess(subject, acl(item)) {
			result = append(result, item)
		}
	}
	return result
}
