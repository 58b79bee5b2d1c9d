/*
Copyright 2024 Blnk Finance Authors.

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

package middleware

import "strings"

// Resource represents a protected API resource.
// Each resource corresponds to a specific API endpoint category.
type Resource string

// Action represents the allowed actions on a resource.
// Actions include read, write, and wildcard (*).
type Action string

// Role is the caller identity resolved from the bearer secret.
type Role string

const (
	// Actions
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAll   Action = "*"

	// Resources
	ResourceWorkflows Resource = "workflow"
	ResourceReconcile Resource = "reconcile"
	ResourceAll       Resource = "*"

	RoleOperator   Role = "operator"
	RoleReconciler Role = "reconciler"
)

// roleScopes lists what each role may do. The reconciler secret is only
// good for triggering sweeps.
var roleScopes = map[Role][]string{
	RoleOperator:   {BuildScope(ResourceAll, ActionAll)},
	RoleReconciler: {BuildScope(ResourceReconcile, ActionAll)},
}

// methodToAction maps HTTP methods to actions
var methodToAction = map[string]Action{
	"GET":    ActionRead,
	"HEAD":   ActionRead,
	"POST":   ActionWrite,
	"PUT":    ActionWrite,
	"PATCH":  ActionWrite,
	"DELETE": ActionWrite,
}

// BuildScope creates a scope string from resource and action
func BuildScope(resource Resource, action Action) string {
	return string(resource) + ":" + string(action)
}

// ParseScope parses a scope string into resource and action
func ParseScope(scope string) (Resource, Action) {
	parts := strings.Split(scope, ":")
	if len(parts) != 2 {
		return "", ""
	}
	return Resource(parts[0]), Action(parts[1])
}

// HasPermission checks if a set of scopes has permission for a given resource and HTTP method
func HasPermission(scopes []string, resource Resource, method string) bool {
	action := methodToAction[method]
	if action == "" {
		return false
	}

	for _, scope := range scopes {
		scopeResource, scopeAction := ParseScope(scope)

		if scopeResource == ResourceAll || scopeResource == resource {
			if scopeAction == ActionAll || scopeAction == action {
				return true
			}
		}
	}
	return false
}

// RoleHasPermission checks a role's scopes.
func RoleHasPermission(role Role, resource Resource, method string) bool {
	return HasPermission(roleScopes[role], resource, method)
}
