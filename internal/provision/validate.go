package provision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/events"
	"github.com/dwellfi/provision-brain/internal/phase"
)

// validateExecutor is phase 0 of the provisioning workflow: it confirms the
// venue exists, derives one plan per unit (SSID name, passphrase, pool name,
// credential specs) and estimates the API call volume for the confirmation
// prompt. No writes happen here.
type validateExecutor struct{}

func (e *validateExecutor) ID() string { return "validate" }

func (e *validateExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "venue_id", Kind: phase.KindString},
			{Name: "ssid_prefix", Kind: phase.KindString, Optional: true},
			{Name: "vlan_id", Kind: phase.KindInt, Optional: true},
			{Name: "credentials_per_unit", Kind: phase.KindInt, Optional: true},
		},
		Outputs: []phase.Field{
			{Name: "venue_name", Kind: phase.KindString},
		},
	}
}

func (e *validateExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	venueID := in.String("venue_id")
	venue, err := rt.Remote().Venues().Get(rt.Context(), venueID)
	if err != nil {
		return nil, domain.WrapPhaseError(domain.ValidationError, fmt.Errorf("venue %s: %w", venueID, err))
	}

	units := unitsFromOptions(rt.Options())
	prefix := in.String("ssid_prefix")
	if prefix == "" {
		prefix = "unit"
	}
	credsPerUnit := in.Int("credentials_per_unit")
	if credsPerUnit <= 0 {
		credsPerUnit = 1
	}

	plans := map[string]map[string]any{}
	var actions []string
	for _, u := range units {
		ssidName := fmt.Sprintf("%s-%s", prefix, u.number)
		creds := make([]any, 0, credsPerUnit)
		for i := 0; i < credsPerUnit; i++ {
			creds = append(creds, map[string]any{
				"username":   fmt.Sprintf("%s-%s-%d", prefix, u.id, i+1),
				"passphrase": generatePassphrase(),
				"vlan_id":    in.Int("vlan_id"),
			})
		}
		plans[u.id] = map[string]any{
			"ssid_name":   ssidName,
			"passphrase":  generatePassphrase(),
			"vlan_id":     in.Int("vlan_id"),
			"pool_name":   ssidName + "-pool",
			"credentials": creds,
		}
		actions = append(actions, "create SSID "+ssidName)
	}
	sort.Strings(actions)

	// Per unit: pool create + add credentials + ssid create + activate +
	// verify; plus the identity group.
	estimated := len(units)*5 + 1

	rt.Emit(events.LevelInfo, fmt.Sprintf("validated %d units against venue %s", len(units), venue.Name), nil)

	return map[string]any{
		"venue_name": venue.Name,
		phase.PlansOutputKey: plans,
		phase.ValidationOutputKey: domain.ValidationResult{
			Valid:             true,
			TotalUnits:        len(units),
			WillCreate:        len(units),
			EstimatedAPICalls: estimated,
			Actions:           actions,
		},
	}, nil
}

// Validate backs the dry-run endpoint. Planning is already read-only, so it
// reuses Execute and returns just the summary.
func (e *validateExecutor) Validate(rt phase.Runtime, in phase.Inputs) (domain.ValidationResult, error) {
	out, err := e.Execute(rt, in)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	res, _ := out[phase.ValidationOutputKey].(domain.ValidationResult)
	return res, nil
}

var _ phase.Validator = (*validateExecutor)(nil)

type unitRef struct {
	id     string
	number string
}

// unitsFromOptions reads the unit roster the scheduler mirrors into the
// options map for global phases.
func unitsFromOptions(options map[string]any) []unitRef {
	raw, _ := options["units"].([]any)
	out := make([]unitRef, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["unit_id"].(string)
		number, _ := m["unit_number"].(string)
		if id == "" {
			id = number
		}
		if id != "" {
			out = append(out, unitRef{id: id, number: number})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func generatePassphrase() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// validateTeardownExecutor plans the teardown workflow: it lists the venue's
// SSIDs and pools, matches them to units by name, and records what will be
// removed.
type validateTeardownExecutor struct{}

func (e *validateTeardownExecutor) ID() string { return "validate_teardown" }

func (e *validateTeardownExecutor) Contract() phase.Contract {
	return phase.Contract{
		Inputs: []phase.Field{
			{Name: "venue_id", Kind: phase.KindString},
			{Name: "ssid_prefix", Kind: phase.KindString, Optional: true},
			{Name: "identity_group_id", Kind: phase.KindString, Optional: true},
		},
	}
}

func (e *validateTeardownExecutor) Execute(rt phase.Runtime, in phase.Inputs) (map[string]any, error) {
	venueID := in.String("venue_id")
	prefix := in.String("ssid_prefix")
	if prefix == "" {
		prefix = "unit"
	}

	ssidByName := map[string]string{}
	cursor := ""
	for {
		page, next, err := rt.Remote().SSIDs().List(rt.Context(), venueID, cursor)
		if err != nil {
			return nil, domain.WrapPhaseError(domain.ValidationError, err)
		}
		for _, s := range page {
			ssidByName[s.Name] = s.ID
		}
		if next == "" {
			break
		}
		cursor = next
	}

	poolByName := map[string]string{}
	if groupID := in.String("identity_group_id"); groupID != "" {
		cursor = ""
		for {
			page, next, err := rt.Remote().CredentialPools().List(rt.Context(), groupID, cursor)
			if err != nil {
				return nil, domain.WrapPhaseError(domain.ValidationError, err)
			}
			for _, p := range page {
				poolByName[p.Name] = p.ID
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}

	units := unitsFromOptions(rt.Options())
	plans := map[string]map[string]any{}
	willDelete := 0
	var notes []string
	for _, u := range units {
		ssidName := fmt.Sprintf("%s-%s", prefix, u.number)
		plan := map[string]any{}
		if id, ok := ssidByName[ssidName]; ok {
			plan["ssid_id"] = id
			willDelete++
		} else {
			notes = append(notes, "no SSID found for unit "+u.id)
		}
		if id, ok := poolByName[ssidName+"-pool"]; ok {
			plan["pool_id"] = id
		}
		plans[u.id] = plan
	}

	return map[string]any{
		phase.PlansOutputKey: plans,
		phase.ValidationOutputKey: domain.ValidationResult{
			Valid:             true,
			TotalUnits:        len(units),
			WillCreate:        0,
			WillReuse:         willDelete,
			EstimatedAPICalls: willDelete*3 + 1,
			Notes:             notes,
		},
	}, nil
}

func (e *validateTeardownExecutor) Validate(rt phase.Runtime, in phase.Inputs) (domain.ValidationResult, error) {
	out, err := e.Execute(rt, in)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	res, _ := out[phase.ValidationOutputKey].(domain.ValidationResult)
	return res, nil
}

var _ phase.Validator = (*validateTeardownExecutor)(nil)
