package controller

import (
	"context"

	"github.com/dwellfi/provision-brain/internal/domain"
)

// Family distinguishes the two wireless controller product lines the Brain
// provisions against.
type Family string

const (
	FamilyCloud  Family = "cloud"
	FamilyOnPrem Family = "onprem"
)

// Mutation is the result of a write call. Done means the controller applied
// the change synchronously; otherwise RequestID must be polled through the
// activity tracker.
type Mutation struct {
	RequestID  string `json:"request_id,omitempty"`
	Done       bool   `json:"done"`
	ResourceID string `json:"resource_id,omitempty"`
}

// ActivityOutcome is one entry of a bulk status response.
type ActivityOutcome struct {
	Status domain.ActivityStatus `json:"status"`
	Error  string                `json:"error,omitempty"`
}

type Venue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type APGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	VenueID string `json:"venue_id"`
	APCount int    `json:"ap_count"`
}

type SSID struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	VenueID string `json:"venue_id"`
}

type SSIDSpec struct {
	Name       string `json:"name"`
	Passphrase string `json:"passphrase,omitempty"`
	VLANID     int    `json:"vlan_id,omitempty"`
}

type IdentityGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CredentialPool struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GroupID string `json:"group_id"`
}

type CredentialSpec struct {
	Username   string `json:"username"`
	Passphrase string `json:"passphrase"`
	VLANID     int    `json:"vlan_id,omitempty"`
}

type VenueAPI interface {
	Get(ctx context.Context, id string) (Venue, error)
	List(ctx context.Context, cursor string) ([]Venue, string, error)
}

type APGroupAPI interface {
	Create(ctx context.Context, venueID, name string) (Mutation, error)
	Delete(ctx context.Context, id string) (Mutation, error)
	List(ctx context.Context, venueID, cursor string) ([]APGroup, string, error)
}

// SSIDAPI covers the network objects subject to the venue-wide in-flight
// activation limit that motivates the activation-slot semaphore.
type SSIDAPI interface {
	Create(ctx context.Context, venueID string, spec SSIDSpec) (Mutation, error)
	Activate(ctx context.Context, ssidID, apGroupID string) (Mutation, error)
	Deactivate(ctx context.Context, ssidID, apGroupID string) (Mutation, error)
	Delete(ctx context.Context, id string) (Mutation, error)
	List(ctx context.Context, venueID, cursor string) ([]SSID, string, error)
}

type IdentityGroupAPI interface {
	Create(ctx context.Context, name string) (Mutation, error)
	Delete(ctx context.Context, id string) (Mutation, error)
	List(ctx context.Context, cursor string) ([]IdentityGroup, string, error)
}

type CredentialPoolAPI interface {
	Create(ctx context.Context, groupID, name string) (Mutation, error)
	AddCredentials(ctx context.Context, poolID string, creds []CredentialSpec) (Mutation, error)
	Delete(ctx context.Context, id string) (Mutation, error)
	List(ctx context.Context, groupID, cursor string) ([]CredentialPool, string, error)
}

// ActivityAPI answers the status of up to a controller-defined batch of
// outstanding request ids in a single round trip.
type ActivityAPI interface {
	BulkStatus(ctx context.Context, requestIDs []string) (map[string]ActivityOutcome, error)
}

// Client is the opaque capability handle phases receive. The wire protocol
// behind it is out of the Brain's scope.
type Client interface {
	ControllerID() string
	Family() Family
	Venues() VenueAPI
	APGroups() APGroupAPI
	SSIDs() SSIDAPI
	IdentityGroups() IdentityGroupAPI
	CredentialPools() CredentialPoolAPI
	Activities() ActivityAPI
}

// Resolver maps a controller id from the job record to a live client.
type Resolver interface {
	Client(controllerID string) (Client, error)
}
