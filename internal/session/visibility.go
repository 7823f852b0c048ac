// Copyright 2025 Arion Yau
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

package session

import (
	"fmt"

	"fleetwatch/internal/telemetry"
)

// Role is the visibility tier of a connected client.
type Role string

const (
	RoleSystemAdmin  Role = "system_admin"
	RoleCompanyAdmin Role = "company_admin"
	RoleUser         Role = "user"
)

// ParseRole converts a claim value into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSystemAdmin, RoleCompanyAdmin, RoleUser:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Identity is the verified (role, user, company) tuple a session acts as.
type Identity struct {
	Role      Role  `json:"role"`
	UserID    int64 `json:"user_id"`
	CompanyID int64 `json:"company_id"`
}

// Validate reports whether the identity can be scoped at all.
func (i Identity) Validate() error {
	if _, err := ParseRole(string(i.Role)); err != nil {
		return err
	}
	if i.Role == RoleCompanyAdmin && i.CompanyID == 0 {
		return fmt.Errorf("company_admin requires a company id")
	}
	if i.Role == RoleUser && i.UserID == 0 {
		return fmt.Errorf("user requires a user id")
	}
	return nil
}

// Scope is the resolved authorization context of one reading. A nil Device
// means the sensor is not registered.
type Scope struct {
	Device   *telemetry.Device
	Assigned map[int64]struct{}
}

// Visible reports whether a session acting as id may see a reading in scope.
// Unregistered sensors are visible to system administrators only.
func Visible(id Identity, scope Scope) bool {
	if id.Role == RoleSystemAdmin {
		return true
	}
	if scope.Device == nil {
		return false
	}

	switch id.Role {
	case RoleCompanyAdmin:
		return scope.Device.CompanyID == id.CompanyID
	case RoleUser:
		_, ok := scope.Assigned[id.UserID]
		return ok
	default:
		return false
	}
}
