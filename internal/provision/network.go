package provision

import (
	"fmt"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/events"
	"github.com/dwellfi/provision-brain/internal/phase"
)

// createSSIDExecutor creates one SSID per unit from the validated plan.
type createSSIDExecutor struct{}

func (e *createSSIDExecutor) ID() string { return "create_ssid" }

func (e *createSSIDExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "venue_id", Kind: phase.KindString},
			{Name: "ssid_name", Kind: phase.KindString},
			{Name: "passphrase", Kind: phase.KindString, Optional: true},
			{Name: "vlan_id", Kind: phase.KindInt, Optional: true},
		},
		Outputs: []phase.Field{
			{Name: "ssid_id", Kind: phase.KindString},
		},
	}
}

func (e *createSSIDExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	spec := controller.SSIDSpec{
		Name:       in.String("ssid_name"),
		Passphrase: in.String("passphrase"),
		VLANID:     in.Int("vlan_id"),
	}
	var (
		m   controller.Mutation
		err error
	)
	opErr := rt.RetryTransient(func() error {
		m, err = rt.Remote().SSIDs().Create(rt.Context(), in.String("venue_id"), spec)
		return err
	})
	ssidID, err := awaitMutation(rt, m, opErr)
	if err != nil {
		return nil, err
	}
	if err := rt.TrackResource("ssid", domain.CreatedResource{
		ID:   ssidID,
		Name: spec.Name,
		Metadata: map[string]any{
			"unit_id": rt.UnitID(),
		},
	}); err != nil {
		return nil, domain.WrapPhaseError(domain.InternalError, err)
	}
	return map[string]any{"ssid_id": ssidID}, nil
}

// activateSSIDExecutor pushes the SSID onto the venue's AP group. Activation
// is always asynchronous on both controller families, which is why this phase
// holds an activation slot.
type activateSSIDExecutor struct{}

func (e *activateSSIDExecutor) ID() string { return "activate_ssid" }

func (e *activateSSIDExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "ssid_id", Kind: phase.KindString},
			{Name: "ap_group_id", Kind: phase.KindString, Optional: true},
		},
		Outputs: []phase.Field{
			{Name: "activated", Kind: phase.KindBool},
		},
	}
}

func (e *activateSSIDExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	ssidID := in.String("ssid_id")
	m, err := rt.Remote().SSIDs().Activate(rt.Context(), ssidID, in.String("ap_group_id"))
	if _, err := awaitMutation(rt, m, err); err != nil {
		return nil, err
	}
	rt.Emit(events.LevelSuccess, fmt.Sprintf("SSID %s activated", ssidID), map[string]any{"unit_id": rt.UnitID()})
	return map[string]any{"activated": true}, nil
}

// verifyActivationExecutor confirms the SSID shows up in the venue listing
// after activation, then releases the unit's activation slot.
type verifyActivationExecutor struct{}

func (e *verifyActivationExecutor) ID() string { return "verify_activation" }

func (e *verifyActivationExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "venue_id", Kind: phase.KindString},
			{Name: "ssid_id", Kind: phase.KindString},
		},
		Outputs: []phase.Field{
			{Name: "verified", Kind: phase.KindBool},
		},
	}
}

func (e *verifyActivationExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	ssidID := in.String("ssid_id")
	cursor := ""
	for {
		page, next, err := rt.Remote().SSIDs().List(rt.Context(), in.String("venue_id"), cursor)
		if err != nil {
			return nil, domain.WrapPhaseError(domain.RemoteError, err)
		}
		for _, s := range page {
			if s.ID == ssidID {
				return map[string]any{"verified": true}, nil
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return nil, domain.NewPhaseError(domain.RemoteError, "SSID %s missing after activation", ssidID)
}

// summarizeExecutor is the global tail of the provisioning workflow: it folds
// the per-unit outputs into one human-readable report on the event stream.
type summarizeExecutor struct{}

func (e *summarizeExecutor) ID() string { return "summarize" }

func (e *summarizeExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "ssid_id", Kind: phase.KindList, Optional: true},
			{Name: "credential_count", Kind: phase.KindFloat, Optional: true},
			{Name: "verified", Kind: phase.KindList, Optional: true},
		},
		Outputs: []phase.Field{
			{Name: "ssids_created", Kind: phase.KindInt},
			{Name: "credentials_loaded", Kind: phase.KindInt},
		},
	}
}

func (e *summarizeExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	ssids := in.List("ssid_id")
	credentials := int(in.Float("credential_count"))
	rt.Emit(events.LevelSuccess, fmt.Sprintf("provisioned %d SSIDs with %d credentials", len(ssids), credentials), map[string]any{
		"ssids":       ssids,
		"credentials": credentials,
	})
	return map[string]any{
		"ssids_created":      len(ssids),
		"credentials_loaded": credentials,
	}, nil
}

// deactivateSSIDExecutor is the teardown counterpart of activation. A unit
// with no SSID in its plan is a no-op.
type deactivateSSIDExecutor struct{}

func (e *deactivateSSIDExecutor) ID() string { return "deactivate_ssid" }

func (e *deactivateSSIDExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "ssid_id", Kind: phase.KindString, Optional: true},
			{Name: "ap_group_id", Kind: phase.KindString, Optional: true},
		},
		Outputs: []phase.Field{
			{Name: "deactivated", Kind: phase.KindBool},
		},
	}
}

func (e *deactivateSSIDExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	ssidID := in.String("ssid_id")
	if ssidID == "" {
		return map[string]any{"deactivated": false}, nil
	}
	m, err := rt.Remote().SSIDs().Deactivate(rt.Context(), ssidID, in.String("ap_group_id"))
	if controller.IsNotFound(err) {
		return map[string]any{"deactivated": false}, nil
	}
	if _, err := awaitMutation(rt, m, err); err != nil {
		return nil, err
	}
	return map[string]any{"deactivated": true}, nil
}

// deleteSSIDExecutor removes the unit's SSID. Already-gone SSIDs count as
// success so teardown is safely re-runnable.
type deleteSSIDExecutor struct{}

func (e *deleteSSIDExecutor) ID() string { return "delete_ssid" }

func (e *deleteSSIDExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "ssid_id", Kind: phase.KindString, Optional: true},
		},
		Outputs: []phase.Field{
			{Name: "ssid_deleted", Kind: phase.KindBool},
		},
	}
}

func (e *deleteSSIDExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	ssidID := in.String("ssid_id")
	if ssidID == "" {
		return map[string]any{"ssid_deleted": false}, nil
	}
	var (
		m   controller.Mutation
		err error
	)
	opErr := rt.RetryTransient(func() error {
		m, err = rt.Remote().SSIDs().Delete(rt.Context(), ssidID)
		return err
	})
	if controller.IsNotFound(opErr) {
		return map[string]any{"ssid_deleted": false}, nil
	}
	if _, err := awaitMutation(rt, m, opErr); err != nil {
		return nil, err
	}
	return map[string]any{"ssid_deleted": true}, nil
}
