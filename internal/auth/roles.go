package auth

import (
	"slices"
	"strings"
)

// Permissions.
const (
	PermRead          = "read"
	PermWrite         = "write"
	PermDelete        = "delete"
	PermManageUsers   = "manage_users"
	PermViewAuditLogs = "view_audit_logs"
	PermExportData    = "export_data"
	PermManageRoles   = "manage_roles"
)

// Roles.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// SystemActor marks changes made by the service itself, such as first-time
// provisioning.
const SystemActor = "system"

// Role is an entry in the canonical role table.
type Role struct {
	Name        string
	Permissions []string
	Level       int
}

// Allows reports whether the role grants permission.
func (r Role) Allows(permission string) bool {
	return slices.Contains(r.Permissions, permission)
}

var roleTable = map[string]Role{
	RoleAdmin: {
		Name: RoleAdmin,
		Permissions: []string{
			PermRead, PermWrite, PermDelete, PermManageUsers,
			PermViewAuditLogs, PermExportData, PermManageRoles,
		},
		Level: 3,
	},
	RoleEditor: {
		Name:        RoleEditor,
		Permissions: []string{PermRead, PermWrite, PermViewAuditLogs},
		Level:       2,
	},
	RoleViewer: {
		Name:        RoleViewer,
		Permissions: []string{PermRead},
		Level:       1,
	},
}

// LookupRole returns the canonical definition of name.
func LookupRole(name string) (Role, bool) {
	r, ok := roleTable[strings.TrimSpace(strings.ToLower(name))]
	if !ok {
		return Role{}, false
	}
	r.Permissions = slices.Clone(r.Permissions)
	return r, true
}

// Roles lists the canonical roles, highest level first.
func Roles() []Role {
	return []Role{roleTable[RoleAdmin], roleTable[RoleEditor], roleTable[RoleViewer]}
}

// RoleDisplay is presentation metadata for a role.
type RoleDisplay struct {
	Role        string   `json:"role"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Color       string   `json:"color"`
	Icon        string   `json:"icon"`
	Level       int      `json:"level"`
	Permissions []string `json:"permissions"`
}

var roleDisplays = map[string]RoleDisplay{
	RoleAdmin: {
		Role:        RoleAdmin,
		Name:        "Administrator",
		Description: "Full access to all features and user management",
		Color:       "red",
		Icon:        "👑",
	},
	RoleEditor: {
		Role:        RoleEditor,
		Name:        "Editor",
		Description: "Can read and modify data",
		Color:       "blue",
		Icon:        "✏️",
	},
	RoleViewer: {
		Role:        RoleViewer,
		Name:        "Viewer",
		Description: "Read-only access to data",
		Color:       "green",
		Icon:        "👁️",
	},
}

// RoleInfo returns display metadata; unknown roles get the viewer entry.
func RoleInfo(name string) RoleDisplay {
	role, ok := LookupRole(name)
	if !ok {
		role, _ = LookupRole(RoleViewer)
	}
	d := roleDisplays[role.Name]
	d.Level = role.Level
	d.Permissions = role.Permissions
	return d
}

// actionPermission maps a resource action onto the base permission guarding it.
func actionPermission(action string) string {
	switch strings.TrimSpace(strings.ToLower(action)) {
	case "read":
		return PermRead
	case "write", "update":
		return PermWrite
	case "delete":
		return PermDelete
	}
	return ""
}
