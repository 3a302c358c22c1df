// Package provision ships the built-in wifi provisioning workflows: one that
// stands up per-unit networks (identity group, credential pools, SSIDs,
// activation) and one that tears them down again.
package provision

import (
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/phase"
	"github.com/dwellfi/provision-brain/internal/workflow"
)

// Register wires every executor into the phase registry and both workflows
// into the workflow registry. Called once from main.
func Register(phases *phase.Registry, workflows *workflow.Registry) error {
	executors := []phase.Executor{
		&validateExecutor{},
		&createIdentityGroupExecutor{},
		&createCredentialPoolExecutor{},
		&createSSIDExecutor{},
		&activateSSIDExecutor{},
		&verifyActivationExecutor{},
		&summarizeExecutor{},
		&validateTeardownExecutor{},
		&deactivateSSIDExecutor{},
		&deleteSSIDExecutor{},
		&deleteCredentialPoolExecutor{},
		&deleteIdentityGroupExecutor{},
	}
	for _, e := range executors {
		if err := phases.Register(e); err != nil {
			return err
		}
	}
	for _, wf := range []*workflow.Workflow{wifiProvisioning(), wifiTeardown()} {
		if err := workflows.Register(wf); err != nil {
			return err
		}
	}
	return nil
}

func wifiProvisioning() *workflow.Workflow {
	return &workflow.Workflow{
		Name:                 "unit_wifi_provisioning",
		Description:          "Per-unit wifi: identity group, credential pools, SSIDs, activation",
		RequiresConfirmation: true,
		MaxActivationSlots:   workflow.DefaultMaxActivationSlots,
		DefaultOptions: map[string]any{
			"credentials_per_unit": 1,
		},
		Phases: []workflow.PhaseDef{
			{
				ID:              "validate",
				Name:            "Validate request",
				Description:     "Check the venue, derive per-unit plans, estimate API calls",
				Executor:        "validate",
				Critical:        true,
				Outputs:         []string{"venue_name"},
				APICallsPerUnit: "0",
			},
			{
				ID:              "create_identity_group",
				Name:            "Create identity group",
				Executor:        "create_identity_group",
				DependsOn:       []string{"validate"},
				Critical:        true,
				Outputs:         []string{"identity_group_id"},
				APICallsPerUnit: "0",
			},
			{
				ID:              "create_credential_pool",
				Name:            "Create credential pool",
				Executor:        "create_credential_pool",
				DependsOn:       []string{"create_identity_group"},
				PerUnit:         true,
				Critical:        true,
				Inputs:          []string{"identity_group_id", "pool_name"},
				Outputs:         []string{"pool_id", "credential_count"},
				APICallsPerUnit: "2",
			},
			{
				ID:              "create_ssid",
				Name:            "Create SSID",
				Executor:        "create_ssid",
				DependsOn:       []string{"validate"},
				PerUnit:         true,
				Critical:        true,
				Inputs:          []string{"ssid_name", "passphrase", "vlan_id"},
				Outputs:         []string{"ssid_id"},
				APICallsPerUnit: "1",
			},
			{
				ID:              "activate_ssid",
				Name:            "Activate SSID",
				Executor:        "activate_ssid",
				DependsOn:       []string{"create_ssid", "create_credential_pool"},
				PerUnit:         true,
				Critical:        true,
				ActivationSlot:  domain.SlotAcquire,
				Inputs:          []string{"ssid_id"},
				Outputs:         []string{"activated"},
				APICallsPerUnit: "1",
			},
			{
				ID:              "verify_activation",
				Name:            "Verify activation",
				Executor:        "verify_activation",
				DependsOn:       []string{"activate_ssid"},
				PerUnit:         true,
				ActivationSlot:  domain.SlotRelease,
				Inputs:          []string{"ssid_id"},
				Outputs:         []string{"verified"},
				APICallsPerUnit: "1",
			},
			{
				ID:        "summarize",
				Name:      "Summarize",
				Executor:  "summarize",
				DependsOn: []string{"create_ssid", "create_credential_pool", "verify_activation"},
				SkipIf: func(options map[string]any, _ workflow.OutputLookup) bool {
					skip, _ := options["skip_summary"].(bool)
					return skip
				},
				APICallsPerUnit: "0",
			},
		},
	}
}

func wifiTeardown() *workflow.Workflow {
	return &workflow.Workflow{
		Name:                 "unit_wifi_teardown",
		Description:          "Remove per-unit SSIDs, credential pools and the identity group",
		RequiresConfirmation: true,
		Phases: []workflow.PhaseDef{
			{
				ID:              "validate",
				Name:            "Plan teardown",
				Executor:        "validate_teardown",
				Critical:        true,
				APICallsPerUnit: "dynamic",
			},
			{
				ID:              "deactivate_ssid",
				Name:            "Deactivate SSID",
				Executor:        "deactivate_ssid",
				DependsOn:       []string{"validate"},
				PerUnit:         true,
				APICallsPerUnit: "1",
			},
			{
				ID:              "delete_ssid",
				Name:            "Delete SSID",
				Executor:        "delete_ssid",
				DependsOn:       []string{"deactivate_ssid"},
				PerUnit:         true,
				Critical:        true,
				APICallsPerUnit: "1",
			},
			{
				ID:              "delete_credential_pool",
				Name:            "Delete credential pool",
				Executor:        "delete_credential_pool",
				DependsOn:       []string{"validate"},
				PerUnit:         true,
				APICallsPerUnit: "1",
			},
			{
				ID:        "delete_identity_group",
				Name:      "Delete identity group",
				Executor:  "delete_identity_group",
				DependsOn: []string{"delete_credential_pool"},
				SkipIf: func(options map[string]any, _ workflow.OutputLookup) bool {
					keep, _ := options["keep_identity_group"].(bool)
					return keep
				},
				APICallsPerUnit: "0",
			},
		},
	}
}
