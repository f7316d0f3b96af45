package rtc

// Role is a grantable authorization level. A peer holding a role may grant
// any promotable role at or below its own highest level to another peer.
type Role struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Level      int    `json:"level"`
	Promotable bool   `json:"promotable"`
}

// RoleNormal is the baseline role: every peer holds it, it is never
// promotable and never removable.
var RoleNormal = Role{ID: "normal", Label: "Normal", Level: 0}

var (
	RoleModerator = Role{ID: "moderator", Label: "Moderator", Level: 50, Promotable: true}
	RoleAdmin     = Role{ID: "admin", Label: "Admin", Level: 100, Promotable: true}
)

func DefaultRoles() map[string]Role {
	return map[string]Role{
		RoleNormal.ID:    RoleNormal,
		RoleModerator.ID: RoleModerator,
		RoleAdmin.ID:     RoleAdmin,
	}
}

// CanGrant reports whether a peer whose highest role level is granterLevel
// may grant or revoke the given role.
func CanGrant(granterLevel int, role Role) bool {
	return role.Promotable && role.Level <= granterLevel
}
