package access

// Builtin permission keys used across the platform.
const (
	PermUsersView    = "users.view"
	PermUsersManage  = "users.manage"
	PermUsersInvite  = "users.invite"
	PermRolesView    = "roles.view"
	PermRolesManage  = "roles.manage"
	PermRolesAssign  = "roles.assign"
	PermSitesView    = "sites.view"
	PermSitesManage  = "sites.manage"
	PermProjectsView   = "projects.view"
	PermProjectsManage = "projects.manage"
	PermTimesheetsView    = "timesheets.view"
	PermTimesheetsApprove = "timesheets.approve"
	PermTimesheetsManage  = "timesheets.manage"
	PermInventoryView   = "inventory.view"
	PermInventoryManage = "inventory.manage"
	PermSchedulesView   = "schedules.view"
	PermSchedulesManage = "schedules.manage"
	PermReportsView   = "reports.view"
	PermReportsExport = "reports.export"
	PermSettingsManage = "settings.manage"
	PermAuditView   = "audit.view"
	PermAuditExport = "audit.export"
)

// BuiltinPermissions is the static capability catalog seeded at startup.
var BuiltinPermissions = []Permission{
	{Key: PermUsersView, Module: "users", Action: "view", Name: "View users"},
	{Key: PermUsersManage, Module: "users", Action: "manage", Name: "Manage users", Dangerous: true},
	{Key: PermUsersInvite, Module: "users", Action: "invite", Name: "Invite users"},
	{Key: PermRolesView, Module: "roles", Action: "view", Name: "View roles"},
	{Key: PermRolesManage, Module: "roles", Action: "manage", Name: "Manage role definitions", Dangerous: true},
	{Key: PermRolesAssign, Module: "roles", Action: "assign", Name: "Assign roles", Dangerous: true},
	{Key: PermSitesView, Module: "sites", Action: "view", Name: "View sites"},
	{Key: PermSitesManage, Module: "sites", Action: "manage", Name: "Manage sites"},
	{Key: PermProjectsView, Module: "projects", Action: "view", Name: "View projects"},
	{Key: PermProjectsManage, Module: "projects", Action: "manage", Name: "Manage projects"},
	{Key: PermTimesheetsView, Module: "timesheets", Action: "view", Name: "View timesheets"},
	{Key: PermTimesheetsApprove, Module: "timesheets", Action: "approve", Name: "Approve timesheets"},
	{Key: PermTimesheetsManage, Module: "timesheets", Action: "manage", Name: "Manage timesheets", Dangerous: true},
	{Key: PermInventoryView, Module: "inventory", Action: "view", Name: "View inventory"},
	{Key: PermInventoryManage, Module: "inventory", Action: "manage", Name: "Manage inventory"},
	{Key: PermSchedulesView, Module: "schedules", Action: "view", Name: "View schedules"},
	{Key: PermSchedulesManage, Module: "schedules", Action: "manage", Name: "Manage schedules"},
	{Key: PermReportsView, Module: "reports", Action: "view", Name: "View reports"},
	{Key: PermReportsExport, Module: "reports", Action: "export", Name: "Export reports"},
	{Key: PermSettingsManage, Module: "settings", Action: "manage", Name: "Manage security settings", Dangerous: true},
	{Key: PermAuditView, Module: "audit", Action: "view", Name: "View audit trail"},
	{Key: PermAuditExport, Module: "audit", Action: "export", Name: "Export audit trail"},
}

// Builtin role keys.
const (
	RoleOwner       = "owner"
	RoleClientAdmin = "client_admin"
	RoleSiteManager = "site_manager"
	RoleWorker      = "worker"
	RoleGuest       = "guest"
)

// BuiltinRoles returns the seeded system roles. A fresh slice each call so
// callers can't mutate the definitions.
func BuiltinRoles() []Role {
	own := func(keys ...string) []RolePermission {
		links := make([]RolePermission, 0, len(keys))
		for _, k := range keys {
			links = append(links, RolePermission{PermissionKey: k, ScopeDefault: ScopeDefaultOwn})
		}
		return links
	}
	ownerPerms := make([]RolePermission, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		ownerPerms = append(ownerPerms, RolePermission{PermissionKey: p.Key, ScopeDefault: ScopeDefaultGlobal})
	}

	return []Role{
		{
			Key: RoleOwner, Name: "Platform Owner", IsSystem: true, Color: "red",
			Description: "Unbounded platform operator.",
			Permissions: ownerPerms,
		},
		{
			Key: RoleClientAdmin, Name: "Client Administrator", IsSystem: true, Color: "purple",
			Description: "Administers one organization and everything beneath it.",
			Permissions: own(
				PermUsersView, PermUsersManage, PermUsersInvite,
				PermRolesView, PermRolesAssign,
				PermSitesView, PermSitesManage,
				PermProjectsView, PermProjectsManage,
				PermTimesheetsView, PermTimesheetsApprove, PermTimesheetsManage,
				PermInventoryView, PermInventoryManage,
				PermSchedulesView, PermSchedulesManage,
				PermReportsView, PermReportsExport,
				PermSettingsManage,
				PermAuditView, PermAuditExport,
			),
		},
		{
			Key: RoleSiteManager, Name: "Site Manager", IsSystem: true, Color: "blue",
			Description: "Runs day-to-day operations for a site or project.",
			Permissions: own(
				PermUsersView, PermUsersInvite,
				PermSitesView,
				PermProjectsView, PermProjectsManage,
				PermTimesheetsView, PermTimesheetsApprove,
				PermInventoryView, PermInventoryManage,
				PermSchedulesView, PermSchedulesManage,
				PermReportsView,
			),
		},
		{
			Key: RoleWorker, Name: "Worker", IsSystem: true, Color: "green",
			Description: "Field worker: submits time, reads schedules.",
			Permissions: own(
				PermTimesheetsView,
				PermSchedulesView,
				PermProjectsView,
			),
		},
		{
			Key: RoleGuest, Name: "Guest", IsSystem: true, Color: "gray",
			Description: "Read-only visitor.",
			Permissions: own(PermSitesView, PermProjectsView, PermSchedulesView),
		},
	}
}
