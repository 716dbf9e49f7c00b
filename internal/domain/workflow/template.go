package workflow

import "time"

// Op identifies the connector operation a step invokes. The orchestrator
// binds each Op to an executor function; templates stay pure data.
type Op string

const (
	OpCheckDomain         Op = "check_domain"
	OpRegisterDomain      Op = "register_domain"
	OpConfigureDNS        Op = "configure_dns"
	OpGenerateCredentials Op = "generate_credentials"
	OpDeployStack         Op = "deploy_stack"
	OpWaitReady           Op = "wait_ready"
	OpReleaseDomain       Op = "release_domain"
	OpRemoveDNS           Op = "remove_dns"
	OpRevokeCredentials   Op = "revoke_credentials"
	OpTeardownStack       Op = "teardown_stack"
	OpRestartWorkload     Op = "restart_workload"
	OpScaleWorkload       Op = "scale_workload"
)

// StepDescriptor declares one step of a template: which operation to run,
// how long to wait, how often to retry, and how to undo it.
type StepDescriptor struct {
	Name             string        `yaml:"name"`
	Op               Op            `yaml:"op"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	Compensation     Op            `yaml:"compensation,omitempty"`
	ExpectedDuration time.Duration `yaml:"expected_duration"`
}

// Template is a named, ordered step list. Steps run strictly in order and
// may not be skipped.
type Template struct {
	ID    string           `yaml:"id"`
	Steps []StepDescriptor `yaml:"steps"`
}

// ExpectedRemaining sums the expected durations of steps at or after index.
func (t *Template) ExpectedRemaining(index int) time.Duration {
	var total time.Duration
	for i := index; i < len(t.Steps); i++ {
		total += t.Steps[i].ExpectedDuration
	}
	return total
}

// TemplateTenantPhotoService is the template ID for the full tenant
// photo-service onboarding workflow.
const TemplateTenantPhotoService = "tenant-photo-service"

// TemplateRestartService restarts an existing tenant workload.
const TemplateRestartService = "restart-service"

// TemplateScaleApp patches workload resources.
const TemplateScaleApp = "scale-app"

// BuiltinTemplates returns the compiled-in workflow templates, keyed by ID.
func BuiltinTemplates() map[string]Template {
	return map[string]Template{
		TemplateTenantPhotoService: {
			ID: TemplateTenantPhotoService,
			Steps: []StepDescriptor{
				{Name: "check-domain", Op: OpCheckDomain, Timeout: 30 * time.Second, MaxRetries: 2, ExpectedDuration: 5 * time.Second},
				{Name: "register-domain", Op: OpRegisterDomain, Timeout: 2 * time.Minute, MaxRetries: 2, Compensation: OpReleaseDomain, ExpectedDuration: time.Minute},
				{Name: "configure-dns", Op: OpConfigureDNS, Timeout: time.Minute, MaxRetries: 3, Compensation: OpRemoveDNS, ExpectedDuration: 30 * time.Second},
				{Name: "generate-credentials", Op: OpGenerateCredentials, Timeout: 10 * time.Second, MaxRetries: 1, Compensation: OpRevokeCredentials, ExpectedDuration: time.Second},
				{Name: "deploy-stack", Op: OpDeployStack, Timeout: 5 * time.Minute, MaxRetries: 2, Compensation: OpTeardownStack, ExpectedDuration: 3 * time.Minute},
				{Name: "wait-ready", Op: OpWaitReady, Timeout: 10 * time.Minute, MaxRetries: 1, ExpectedDuration: 5 * time.Minute},
			},
		},
		TemplateRestartService: {
			ID: TemplateRestartService,
			Steps: []StepDescriptor{
				{Name: "restart-workload", Op: OpRestartWorkload, Timeout: time.Minute, MaxRetries: 2, ExpectedDuration: 20 * time.Second},
				{Name: "wait-ready", Op: OpWaitReady, Timeout: 5 * time.Minute, MaxRetries: 1, ExpectedDuration: time.Minute},
			},
		},
		TemplateScaleApp: {
			ID: TemplateScaleApp,
			Steps: []StepDescriptor{
				{Name: "scale-workload", Op: OpScaleWorkload, Timeout: time.Minute, MaxRetries: 2, ExpectedDuration: 30 * time.Second},
				{Name: "wait-ready", Op: OpWaitReady, Timeout: 5 * time.Minute, MaxRetries: 1, ExpectedDuration: time.Minute},
			},
		},
	}
}
