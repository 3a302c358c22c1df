package provision

import (
	"fmt"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/events"
	"github.com/dwellfi/provision-brain/internal/phase"
)

// awaitMutation resolves a controller write to its resource id, suspending on
// the activity tracker when the controller answered asynchronously.
func awaitMutation(rt phase.Runtime, m controller.Mutation, err error) (string, error) {
	if err != nil {
		if id, ok := controller.IsAlreadyExists(err); ok {
			return id, nil
		}
		return "", domain.WrapPhaseError(domain.RemoteError, err)
	}
	if m.Done {
		return m.ResourceID, nil
	}
	if _, err := rt.FireAndWait(m.RequestID); err != nil {
		return "", err
	}
	return m.ResourceID, nil
}

// createIdentityGroupExecutor makes the job-wide identity group the unit
// credential pools hang off. Idempotent: an existing group is reused.
type createIdentityGroupExecutor struct{}

func (e *createIdentityGroupExecutor) ID() string { return "create_identity_group" }

func (e *createIdentityGroupExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "identity_group_name", Kind: phase.KindString, Optional: true},
			{Name: "venue_id", Kind: phase.KindString},
		},
		Outputs: []phase.Field{
			{Name: "identity_group_id", Kind: phase.KindString},
		},
	}
}

func (e *createIdentityGroupExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	name := in.String("identity_group_name")
	if name == "" {
		name = "units-" + in.String("venue_id")
	}
	var (
		m   controller.Mutation
		err error
	)
	opErr := rt.RetryTransient(func() error {
		m, err = rt.Remote().IdentityGroups().Create(rt.Context(), name)
		return err
	})
	groupID, err := awaitMutation(rt, m, opErr)
	if err != nil {
		return nil, err
	}
	if err := rt.TrackResource("identity_group", domain.CreatedResource{ID: groupID, Name: name}); err != nil {
		return nil, domain.WrapPhaseError(domain.InternalError, err)
	}
	rt.Emit(events.LevelSuccess, "identity group ready", map[string]any{"identity_group_id": groupID})
	return map[string]any{"identity_group_id": groupID}, nil
}

// createCredentialPoolExecutor runs once per unit: create the unit's pool
// under the shared identity group and load its credentials.
type createCredentialPoolExecutor struct{}

func (e *createCredentialPoolExecutor) ID() string { return "create_credential_pool" }

func (e *createCredentialPoolExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "identity_group_id", Kind: phase.KindString},
			{Name: "pool_name", Kind: phase.KindString},
			{Name: "credentials", Kind: phase.KindList},
		},
		Outputs: []phase.Field{
			{Name: "pool_id", Kind: phase.KindString},
			{Name: "credential_count", Kind: phase.KindInt, Aggregate: phase.AggSum},
		},
	}
}

func (e *createCredentialPoolExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	groupID := in.String("identity_group_id")
	poolName := in.String("pool_name")

	var (
		m   controller.Mutation
		err error
	)
	opErr := rt.RetryTransient(func() error {
		m, err = rt.Remote().CredentialPools().Create(rt.Context(), groupID, poolName)
		return err
	})
	poolID, err := awaitMutation(rt, m, opErr)
	if err != nil {
		return nil, err
	}
	if err := rt.TrackResource("credential_pool", domain.CreatedResource{
		ID:   poolID,
		Name: poolName,
		Metadata: map[string]any{
			"unit_id":           rt.UnitID(),
			"identity_group_id": groupID,
		},
	}); err != nil {
		return nil, domain.WrapPhaseError(domain.InternalError, err)
	}

	creds := credentialSpecs(in.List("credentials"))
	if len(creds) > 0 {
		var am controller.Mutation
		addErr := rt.RetryTransient(func() error {
			var e2 error
			am, e2 = rt.Remote().CredentialPools().AddCredentials(rt.Context(), poolID, creds)
			return e2
		})
		if _, err := awaitMutation(rt, am, addErr); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"pool_id":          poolID,
		"credential_count": len(creds),
	}, nil
}

func credentialSpecs(raw []any) []controller.CredentialSpec {
	out := make([]controller.CredentialSpec, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		spec := controller.CredentialSpec{}
		spec.Username, _ = m["username"].(string)
		spec.Passphrase, _ = m["passphrase"].(string)
		switch n := m["vlan_id"].(type) {
		case int:
			spec.VLANID = n
		case float64:
			spec.VLANID = int(n)
		}
		if spec.Username != "" {
			out = append(out, spec)
		}
	}
	return out
}

// deleteCredentialPoolExecutor removes a unit's pool during teardown. A pool
// already gone counts as success.
type deleteCredentialPoolExecutor struct{}

func (e *deleteCredentialPoolExecutor) ID() string { return "delete_credential_pool" }

func (e *deleteCredentialPoolExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "pool_id", Kind: phase.KindString, Optional: true},
		},
		Outputs: []phase.Field{
			{Name: "pool_deleted", Kind: phase.KindBool},
		},
	}
}

func (e *deleteCredentialPoolExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	poolID := in.String("pool_id")
	if poolID == "" {
		return map[string]any{"pool_deleted": false}, nil
	}
	m, err := rt.Remote().CredentialPools().Delete(rt.Context(), poolID)
	if controller.IsNotFound(err) {
		return map[string]any{"pool_deleted": false}, nil
	}
	if _, err := awaitMutation(rt, m, err); err != nil {
		return nil, err
	}
	return map[string]any{"pool_deleted": true}, nil
}

// deleteIdentityGroupExecutor removes the shared group once every pool under
// it is gone.
type deleteIdentityGroupExecutor struct{}

func (e *deleteIdentityGroupExecutor) ID() string { return "delete_identity_group" }

func (e *deleteIdentityGroupExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "identity_group_id", Kind: phase.KindString, Optional: true},
		},
		Outputs: []phase.Field{
			{Name: "group_deleted", Kind: phase.KindBool},
		},
	}
}

func (e *deleteIdentityGroupExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	groupID := in.String("identity_group_id")
	if groupID == "" {
		return map[string]any{"group_deleted": false}, nil
	}
	m, err := rt.Remote().IdentityGroups().Delete(rt.Context(), groupID)
	if controller.IsNotFound(err) {
		return map[string]any{"group_deleted": false}, nil
	}
	if _, err := awaitMutation(rt, m, err); err != nil {
		return nil, err
	}
	rt.Emit(events.LevelInfo, fmt.Sprintf("identity group %s removed", groupID), nil)
	return map[string]any{"group_deleted": true}, nil
}
