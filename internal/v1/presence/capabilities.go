package presence

import (
	"strings"

	"github.com/caldera-live/caldera/backend/go/internal/v1/account"
)

// Capability names a privileged operation gate.
type Capability string

const (
	CanCreateChannels           Capability = "canCreateChannels"
	CanDeleteChannels           Capability = "canDeleteChannels"
	CanEditChannels             Capability = "canEditChannels"
	CanManageUsers              Capability = "canManageUsers"
	CanAssignRoles              Capability = "canAssignRoles"
	CanRegenerateKeys           Capability = "canRegenerateKeys"
	CanStreamAnywhere           Capability = "canStreamAnywhere"
	CanModerate                 Capability = "canModerate"
	CanViewAllKeys              Capability = "canViewAllKeys"
	CanDeleteAnyMessage         Capability = "canDeleteAnyMessage"
	CanBanUsers                 Capability = "canBanUsers"
	CanViewLogs                 Capability = "canViewLogs"
	CanManageChannelPermissions Capability = "canManageChannelPermissions"
	CanDisableAccounts          Capability = "canDisableAccounts"
)

// roleCapabilities is the static capability table. Superuser is handled by a
// short-circuit, not a row.
var roleCapabilities = map[account.Role]map[Capability]bool{
	account.RoleAdmin: {
		CanCreateChannels:           true,
		CanDeleteChannels:           true,
		CanEditChannels:             true,
		CanManageUsers:              true,
		CanAssignRoles:              true,
		CanRegenerateKeys:           true,
		CanStreamAnywhere:           true,
		CanModerate:                 true,
		CanViewAllKeys:              true,
		CanDeleteAnyMessage:         true,
		CanBanUsers:                 true,
		CanViewLogs:                 true,
		CanManageChannelPermissions: true,
		CanDisableAccounts:          true,
	},
	account.RoleModerator: {
		CanModerate:         true,
		CanDeleteAnyMessage: true,
		CanBanUsers:         true,
		CanViewLogs:         true,
	},
	account.RoleStreamer: {
		CanStreamAnywhere: true,
	},
	account.RoleUser: {},
}

// HasPermission walks the connection's roles against the capability table.
func (r *Registry) HasPermission(connID string, cap Capability) bool {
	u, err := r.ByConn(connID)
	if err != nil {
		return false
	}
	return userHas(u, cap)
}

func userHas(u *User, cap Capability) bool {
	if u.IsSuperuser {
		return true
	}
	for _, role := range u.Roles {
		if strings.EqualFold(role, string(account.RoleSuperuser)) {
			return true
		}
		if caps, ok := roleCapabilities[account.Role(strings.ToLower(role))]; ok && caps[cap] {
			return true
		}
	}
	return false
}

// AllowsRoleMutation enforces the escalation rule: the caller's highest role
// level must cover both the target's current level and the highest level
// being assigned. Superuser bypasses.
func AllowsRoleMutation(caller *User, target *account.Account, assigning []account.Role) bool {
	if caller.IsSuperuser {
		return true
	}
	callerLevel := caller.HighestRoleLevel()
	if callerLevel < target.HighestRoleLevel() {
		return false
	}
	for _, r := range assigning {
		if r.Level() > callerLevel {
			return false
		}
	}
	return true
}

// AllowsBan enforces ban targeting: admins and superusers are untouchable,
// and moderators may only be banned by admin or above.
func AllowsBan(caller, target *User) bool {
	if target.IsSuperuser {
		return false
	}
	targetLevel, callerLevel := target.HighestRoleLevel(), caller.HighestRoleLevel()
	if targetLevel >= account.RoleAdmin.Level() {
		return false
	}
	if targetLevel >= account.RoleModerator.Level() && callerLevel < account.RoleAdmin.Level() && !caller.IsSuperuser {
		return false
	}
	return true
}

// AllowsModeration enforces kick/timeout targeting: no self-targeting, no
// equal-or-higher role. Callers check channel co-presence separately.
func AllowsModeration(caller, target *User) bool {
	if caller.ConnID == target.ConnID {
		return false
	}
	if caller.IsSuperuser {
		return true
	}
	if target.IsSuperuser {
		return false
	}
	return caller.HighestRoleLevel() > target.HighestRoleLevel()
}
