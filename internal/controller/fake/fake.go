// Package fake is an in-memory controller used by the Brain's tests and by
// local development. Mutations are asynchronous by default: each returns an
// opaque request id that resolves through BulkStatus after a configurable
// number of polls.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/domain"
)

type pendingActivity struct {
	pollsLeft int
	outcome   controller.ActivityOutcome
}

type Fake struct {
	id     string
	family controller.Family

	mu        sync.Mutex
	seq       int
	autoAfter int // polls before a pending activity auto-resolves; <0 = manual
	pending   map[string]*pendingActivity
	failures  map[string]error // one-shot, keyed by op name

	venues   map[string]controller.Venue
	apGroups map[string]controller.APGroup
	ssids    map[string]controller.SSID
	groups   map[string]controller.IdentityGroup
	pools    map[string]controller.CredentialPool

	BulkCalls int // number of BulkStatus round trips observed
}

func New(controllerID string) *Fake {
	return &Fake{
		id:        controllerID,
		family:    controller.FamilyCloud,
		autoAfter: 1,
		pending:   map[string]*pendingActivity{},
		failures:  map[string]error{},
		venues:    map[string]controller.Venue{},
		apGroups:  map[string]controller.APGroup{},
		ssids:     map[string]controller.SSID{},
		groups:    map[string]controller.IdentityGroup{},
		pools:     map[string]controller.CredentialPool{},
	}
}

// AutoResolveAfter sets how many BulkStatus polls a new activity survives
// before resolving SUCCESS. Pass a negative count for manual resolution.
func (f *Fake) AutoResolveAfter(polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoAfter = polls
}

// FailNext injects a one-shot error for the named op ("ssid.create",
// "apgroup.delete", ...).
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// Complete resolves a pending activity by hand.
func (f *Fake) Complete(requestID string, status domain.ActivityStatus, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pending[requestID]; ok {
		p.pollsLeft = 0
		p.outcome = controller.ActivityOutcome{Status: status, Error: errMsg}
	}
}

func (f *Fake) AddVenue(v controller.Venue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.venues[v.ID] = v
}

func (f *Fake) takeFailure(op string) error {
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

// enqueue registers an async mutation and returns its request id.
// Callers hold f.mu.
func (f *Fake) enqueue() string {
	f.seq++
	id := fmt.Sprintf("req-%s-%d", f.id, f.seq)
	f.pending[id] = &pendingActivity{
		pollsLeft: f.autoAfter,
		outcome:   controller.ActivityOutcome{Status: domain.ActivitySuccess},
	}
	return id
}

func (f *Fake) ControllerID() string                          { return f.id }
func (f *Fake) Family() controller.Family                     { return f.family }
func (f *Fake) Venues() controller.VenueAPI                   { return venueAPI{f} }
func (f *Fake) APGroups() controller.APGroupAPI               { return apGroupAPI{f} }
func (f *Fake) SSIDs() controller.SSIDAPI                     { return ssidAPI{f} }
func (f *Fake) IdentityGroups() controller.IdentityGroupAPI   { return identityGroupAPI{f} }
func (f *Fake) CredentialPools() controller.CredentialPoolAPI { return credentialPoolAPI{f} }
func (f *Fake) Activities() controller.ActivityAPI            { return activityAPI{f} }

type venueAPI struct{ f *Fake }

func (a venueAPI) Get(_ context.Context, id string) (controller.Venue, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	v, ok := a.f.venues[id]
	if !ok {
		return controller.Venue{}, &controller.NotFoundError{Resource: "venue/" + id}
	}
	return v, nil
}

func (a venueAPI) List(_ context.Context, _ string) ([]controller.Venue, string, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	out := make([]controller.Venue, 0, len(a.f.venues))
	for _, v := range a.f.venues {
		out = append(out, v)
	}
	return out, "", nil
}

type apGroupAPI struct{ f *Fake }

func (a apGroupAPI) Create(_ context.Context, venueID, name string) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.takeFailure("apgroup.create"); err != nil {
		return controller.Mutation{}, err
	}
	for _, g := range a.f.apGroups {
		if g.VenueID == venueID && g.Name == name {
			return controller.Mutation{}, &controller.AlreadyExistsError{ID: g.ID}
		}
	}
	id := fmt.Sprintf("apg-%d", len(a.f.apGroups)+1)
	a.f.apGroups[id] = controller.APGroup{ID: id, Name: name, VenueID: venueID}
	return controller.Mutation{RequestID: a.f.enqueue(), ResourceID: id}, nil
}

func (a apGroupAPI) Delete(_ context.Context, id string) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.takeFailure("apgroup.delete"); err != nil {
		return controller.Mutation{}, err
	}
	if _, ok := a.f.apGroups[id]; !ok {
		return controller.Mutation{}, &controller.NotFoundError{Resource: "apgroup/" + id}
	}
	delete(a.f.apGroups, id)
	return controller.Mutation{RequestID: a.f.enqueue()}, nil
}

func (a apGroupAPI) List(_ context.Context, venueID, _ string) ([]controller.APGroup, string, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	var out []controller.APGroup
	for _, g := range a.f.apGroups {
		if venueID == "" || g.VenueID == venueID {
			out = append(out, g)
		}
	}
	return out, "", nil
}

type ssidAPI struct{ f *Fake }

func (a ssidAPI) Create(_ context.Context, venueID string, spec controller.SSIDSpec) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.takeFailure("ssid.create"); err != nil {
		return controller.Mutation{}, err
	}
	for _, s := range a.f.ssids {
		if s.VenueID == venueID && s.Name == spec.Name {
			return controller.Mutation{}, &controller.AlreadyExistsError{ID: s.ID}
		}
	}
	id := fmt.Sprintf("ssid-%d", len(a.f.ssids)+1)
	a.f.ssids[id] = controller.SSID{ID: id, Name: spec.Name, VenueID: venueID}
	return controller.Mutation{RequestID: a.f.enqueue(), ResourceID: id}, nil
}

func (a ssidAPI) Activate(_ context.Context, ssidID, _ string) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.takeFailure("ssid.activate"); err != nil {
		return controller.Mutation{}, err
	}
	if _, ok := a.f.ssids[ssidID]; !ok {
		return controller.Mutation{}, &controller.NotFoundError{Resource: "ssid/" + ssidID}
	}
	return controller.Mutation{RequestID: a.f.enqueue()}, nil
}

func (a ssidAPI) Deactivate(_ context.Context, ssidID, _ string) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.takeFailure("ssid.deactivate"); err != nil {
		return controller.Mutation{}, err
	}
	return controller.Mutation{RequestID: a.f.enqueue()}, nil
}

func (a ssidAPI) Delete(_ context.Context, id string) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.takeFailure("ssid.delete"); err != nil {
		return controller.Mutation{}, err
	}
	if _, ok := a.f.ssids[id]; !ok {
		return controller.Mutation{}, &controller.NotFoundError{Resource: "ssid/" + id}
	}
	delete(a.f.ssids, id)
	return controller.Mutation{RequestID: a.f.enqueue()}, nil
}

func (a ssidAPI) List(_ context.Context, venueID, _ string) ([]controller.SSID, string, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	var out []controller.SSID
	for _, s := range a.f.ssids {
		if venueID == "" || s.VenueID == venueID {
			out = append(out, s)
		}
	}
	return out, "", nil
}

type identityGroupAPI struct{ f *Fake }

func (a identityGroupAPI) Create(_ context.Context, name string) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.takeFailure("identitygroup.create"); err != nil {
		return controller.Mutation{}, err
	}
	id := fmt.Sprintf("idg-%d", len(a.f.groups)+1)
	a.f.groups[id] = controller.IdentityGroup{ID: id, Name: name}
	return controller.Mutation{RequestID: a.f.enqueue(), ResourceID: id}, nil
}

func (a identityGroupAPI) Delete(_ context.Context, id string) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	delete(a.f.groups, id)
	return controller.Mutation{RequestID: a.f.enqueue()}, nil
}

func (a identityGroupAPI) List(_ context.Context, _ string) ([]controller.IdentityGroup, string, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	var out []controller.IdentityGroup
	for _, g := range a.f.groups {
		out = append(out, g)
	}
	return out, "", nil
}

type credentialPoolAPI struct{ f *Fake }

func (a credentialPoolAPI) Create(_ context.Context, groupID, name string) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.takeFailure("credentialpool.create"); err != nil {
		return controller.Mutation{}, err
	}
	id := fmt.Sprintf("pool-%d", len(a.f.pools)+1)
	a.f.pools[id] = controller.CredentialPool{ID: id, Name: name, GroupID: groupID}
	return controller.Mutation{RequestID: a.f.enqueue(), ResourceID: id}, nil
}

func (a credentialPoolAPI) AddCredentials(_ context.Context, poolID string, _ []controller.CredentialSpec) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	if err := a.f.takeFailure("credentialpool.add"); err != nil {
		return controller.Mutation{}, err
	}
	if _, ok := a.f.pools[poolID]; !ok {
		return controller.Mutation{}, &controller.NotFoundError{Resource: "pool/" + poolID}
	}
	return controller.Mutation{RequestID: a.f.enqueue()}, nil
}

func (a credentialPoolAPI) Delete(_ context.Context, id string) (controller.Mutation, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	delete(a.f.pools, id)
	return controller.Mutation{RequestID: a.f.enqueue()}, nil
}

func (a credentialPoolAPI) List(_ context.Context, groupID, _ string) ([]controller.CredentialPool, string, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	var out []controller.CredentialPool
	for _, p := range a.f.pools {
		if groupID == "" || p.GroupID == groupID {
			out = append(out, p)
		}
	}
	return out, "", nil
}

type activityAPI struct{ f *Fake }

func (a activityAPI) BulkStatus(_ context.Context, requestIDs []string) (map[string]controller.ActivityOutcome, error) {
	a.f.mu.Lock()
	defer a.f.mu.Unlock()
	a.f.BulkCalls++
	out := make(map[string]controller.ActivityOutcome, len(requestIDs))
	for _, id := range requestIDs {
		p, ok := a.f.pending[id]
		if !ok {
			out[id] = controller.ActivityOutcome{Status: domain.ActivityPending}
			continue
		}
		if p.pollsLeft > 0 {
			p.pollsLeft--
		}
		if p.pollsLeft == 0 {
			out[id] = p.outcome
			delete(a.f.pending, id)
		} else {
			out[id] = controller.ActivityOutcome{Status: domain.ActivityPending}
		}
	}
	return out, nil
}

var _ controller.Client = (*Fake)(nil)
