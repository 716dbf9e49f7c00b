// Package intent defines the typed interpretation of a free-form user
// request, plus the static policy tables keyed by intent type.
package intent

// Type is the closed set of intents the orchestrator understands.
type Type string

const (
	TypeProvisionTenant   Type = "provision_tenant"
	TypeCreateEnvironment Type = "create_environment"
	TypeDeleteEnvironment Type = "delete_environment"
	TypeDeployApp         Type = "deploy_app"
	TypeScaleApp          Type = "scale_app"
	TypeAddDatabase       Type = "add_database"
	TypeRestartService    Type = "restart_service"
	TypeCreateBackup      Type = "create_backup"
	TypeShowUsage         Type = "show_usage"
	TypeViewLogs          Type = "view_logs"
	TypeTroubleshoot      Type = "troubleshoot"
	TypeUnknown           Type = "unknown"
)

// Intent is the immutable result of classifying one conversational turn.
type Intent struct {
	Type             Type              `json:"type"`
	Confidence       float64           `json:"confidence"`
	Parameters       map[string]string `json:"parameters"`
	RequiresApproval bool              `json:"requires_approval"`
	RawInput         string            `json:"raw_input"`
}

// requiredGroups maps each intent type to the groups authorized to request
// it. Membership in any one listed group suffices.
var requiredGroups = map[Type][]string{
	TypeProvisionTenant:   {"developers", "admins"},
	TypeCreateEnvironment: {"developers", "admins"},
	TypeDeleteEnvironment: {"admins"},
	TypeDeployApp:         {"developers", "admins"},
	TypeScaleApp:          {"developers", "admins"},
	TypeAddDatabase:       {"developers", "admins"},
	TypeRestartService:    {"developers", "admins"},
	TypeCreateBackup:      {"developers", "admins"},
	TypeShowUsage:         {"users", "developers", "admins"},
	TypeViewLogs:          {"developers", "admins"},
	TypeTroubleshoot:      {"users", "developers", "admins"},
}

// highRisk lists the intent types that always require a second-party
// approval before a workflow may run.
var highRisk = map[Type]bool{
	TypeDeleteEnvironment: true,
	TypeCreateBackup:      true,
}

// estimatedMonthlyCost is the static projected monthly cost (USD) used by
// the budget check. Intents absent from the table cost nothing.
var estimatedMonthlyCost = map[Type]float64{
	TypeProvisionTenant:   25.0,
	TypeCreateEnvironment: 15.0,
	TypeDeployApp:         10.0,
	TypeAddDatabase:       20.0,
	TypeScaleApp:          5.0,
}

// RequiredGroups returns the groups authorized for the given type.
// Unlisted types default to admins only.
func RequiredGroups(t Type) []string {
	if groups, ok := requiredGroups[t]; ok {
		return groups
	}
	return []string{"admins"}
}

// IsHighRisk reports whether the type is in the approval-required set.
func IsHighRisk(t Type) bool {
	return highRisk[t]
}

// EstimatedCost returns the projected monthly cost for the given type.
func EstimatedCost(t Type) float64 {
	return estimatedMonthlyCost[t]
}

// Valid reports whether t is a member of the closed type set.
func Valid(t Type) bool {
	switch t {
	case TypeProvisionTenant, TypeCreateEnvironment, TypeDeleteEnvironment,
		TypeDeployApp, TypeScaleApp, TypeAddDatabase, TypeRestartService,
		TypeCreateBackup, TypeShowUsage, TypeViewLogs, TypeTroubleshoot,
		TypeUnknown:
		return true
	}
	return false
}
