// Package rest is the HTTP adapter behind controller.Client. Both controller
// families expose the same resource surface; family differences live in the
// base URL and auth header, not in this adapter.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dwellfi/provision-brain/internal/controller"
	"github.com/dwellfi/provision-brain/internal/domain"
)

const defaultTimeout = 30 * time.Second

type Config struct {
	ControllerID string
	Family       controller.Family
	BaseURL      string
	Token        string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{cfg: cfg, http: hc}
}

var _ controller.Client = (*Client)(nil)

func (c *Client) ControllerID() string        { return c.cfg.ControllerID }
func (c *Client) Family() controller.Family   { return c.cfg.Family }
func (c *Client) Venues() controller.VenueAPI { return venueAPI{c} }
func (c *Client) APGroups() controller.APGroupAPI {
	return apGroupAPI{c}
}
func (c *Client) SSIDs() controller.SSIDAPI { return ssidAPI{c} }
func (c *Client) IdentityGroups() controller.IdentityGroupAPI {
	return identityGroupAPI{c}
}
func (c *Client) CredentialPools() controller.CredentialPoolAPI {
	return credentialPoolAPI{c}
}
func (c *Client) Activities() controller.ActivityAPI { return activityAPI{c} }

// do issues one request and decodes the response into out. Error mapping:
// 404 -> NotFoundError, 409 -> AlreadyExistsError (conflict body carries the
// existing id), other non-2xx -> RemoteAPIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures are worth a retry upstream.
		return &controller.RemoteAPIError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &controller.NotFoundError{Resource: path}
	case resp.StatusCode == http.StatusConflict:
		var conflict struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &conflict)
		return &controller.AlreadyExistsError{ID: conflict.ID}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &controller.RemoteAPIError{Status: resp.StatusCode, Message: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// mutationResponse is the controller's answer to every write: either done
// synchronously or an async request id to poll.
type mutationResponse struct {
	RequestID  string `json:"request_id"`
	Done       bool   `json:"done"`
	ResourceID string `json:"resource_id"`
}

func (m mutationResponse) toMutation() controller.Mutation {
	return controller.Mutation{RequestID: m.RequestID, Done: m.Done, ResourceID: m.ResourceID}
}

type listQuery struct {
	cursor string
}

func (q listQuery) values() url.Values {
	v := url.Values{}
	if q.cursor != "" {
		v.Set("cursor", q.cursor)
	}
	return v
}

type venueAPI struct{ c *Client }

func (a venueAPI) Get(ctx context.Context, id string) (controller.Venue, error) {
	var v controller.Venue
	err := a.c.do(ctx, http.MethodGet, "/venues/"+url.PathEscape(id), nil, nil, &v)
	return v, err
}

func (a venueAPI) List(ctx context.Context, cursor string) ([]controller.Venue, string, error) {
	var page struct {
		Items []controller.Venue `json:"items"`
		Next  string             `json:"next"`
	}
	err := a.c.do(ctx, http.MethodGet, "/venues", listQuery{cursor}.values(), nil, &page)
	return page.Items, page.Next, err
}

type apGroupAPI struct{ c *Client }

func (a apGroupAPI) Create(ctx context.Context, venueID, name string) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodPost, "/venues/"+url.PathEscape(venueID)+"/ap-groups", nil,
		map[string]string{"name": name}, &m)
	return m.toMutation(), err
}

func (a apGroupAPI) Delete(ctx context.Context, id string) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodDelete, "/ap-groups/"+url.PathEscape(id), nil, nil, &m)
	return m.toMutation(), err
}

func (a apGroupAPI) List(ctx context.Context, venueID, cursor string) ([]controller.APGroup, string, error) {
	var page struct {
		Items []controller.APGroup `json:"items"`
		Next  string               `json:"next"`
	}
	err := a.c.do(ctx, http.MethodGet, "/venues/"+url.PathEscape(venueID)+"/ap-groups", listQuery{cursor}.values(), nil, &page)
	return page.Items, page.Next, err
}

type ssidAPI struct{ c *Client }

func (a ssidAPI) Create(ctx context.Context, venueID string, spec controller.SSIDSpec) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodPost, "/venues/"+url.PathEscape(venueID)+"/ssids", nil, spec, &m)
	return m.toMutation(), err
}

func (a ssidAPI) Activate(ctx context.Context, ssidID, apGroupID string) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodPost, "/ssids/"+url.PathEscape(ssidID)+"/activate", nil,
		map[string]string{"ap_group_id": apGroupID}, &m)
	return m.toMutation(), err
}

func (a ssidAPI) Deactivate(ctx context.Context, ssidID, apGroupID string) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodPost, "/ssids/"+url.PathEscape(ssidID)+"/deactivate", nil,
		map[string]string{"ap_group_id": apGroupID}, &m)
	return m.toMutation(), err
}

func (a ssidAPI) Delete(ctx context.Context, id string) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodDelete, "/ssids/"+url.PathEscape(id), nil, nil, &m)
	return m.toMutation(), err
}

func (a ssidAPI) List(ctx context.Context, venueID, cursor string) ([]controller.SSID, string, error) {
	var page struct {
		Items []controller.SSID `json:"items"`
		Next  string            `json:"next"`
	}
	err := a.c.do(ctx, http.MethodGet, "/venues/"+url.PathEscape(venueID)+"/ssids", listQuery{cursor}.values(), nil, &page)
	return page.Items, page.Next, err
}

type identityGroupAPI struct{ c *Client }

func (a identityGroupAPI) Create(ctx context.Context, name string) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodPost, "/identity-groups", nil, map[string]string{"name": name}, &m)
	return m.toMutation(), err
}

func (a identityGroupAPI) Delete(ctx context.Context, id string) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodDelete, "/identity-groups/"+url.PathEscape(id), nil, nil, &m)
	return m.toMutation(), err
}

func (a identityGroupAPI) List(ctx context.Context, cursor string) ([]controller.IdentityGroup, string, error) {
	var page struct {
		Items []controller.IdentityGroup `json:"items"`
		Next  string                     `json:"next"`
	}
	err := a.c.do(ctx, http.MethodGet, "/identity-groups", listQuery{cursor}.values(), nil, &page)
	return page.Items, page.Next, err
}

type credentialPoolAPI struct{ c *Client }

func (a credentialPoolAPI) Create(ctx context.Context, groupID, name string) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodPost, "/identity-groups/"+url.PathEscape(groupID)+"/pools", nil,
		map[string]string{"name": name}, &m)
	return m.toMutation(), err
}

func (a credentialPoolAPI) AddCredentials(ctx context.Context, poolID string, creds []controller.CredentialSpec) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodPost, "/pools/"+url.PathEscape(poolID)+"/credentials", nil,
		map[string]any{"credentials": creds}, &m)
	return m.toMutation(), err
}

func (a credentialPoolAPI) Delete(ctx context.Context, id string) (controller.Mutation, error) {
	var m mutationResponse
	err := a.c.do(ctx, http.MethodDelete, "/pools/"+url.PathEscape(id), nil, nil, &m)
	return m.toMutation(), err
}

func (a credentialPoolAPI) List(ctx context.Context, groupID, cursor string) ([]controller.CredentialPool, string, error) {
	var page struct {
		Items []controller.CredentialPool `json:"items"`
		Next  string                      `json:"next"`
	}
	err := a.c.do(ctx, http.MethodGet, "/identity-groups/"+url.PathEscape(groupID)+"/pools", listQuery{cursor}.values(), nil, &page)
	return page.Items, page.Next, err
}

type activityAPI struct{ c *Client }

func (a activityAPI) BulkStatus(ctx context.Context, requestIDs []string) (map[string]controller.ActivityOutcome, error) {
	var resp struct {
		Statuses map[string]struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"statuses"`
	}
	err := a.c.do(ctx, http.MethodPost, "/activities/bulk-status", nil,
		map[string]any{"request_ids": requestIDs}, &resp)
	if err != nil {
		return nil, err
	}
	out := make(map[string]controller.ActivityOutcome, len(resp.Statuses))
	for id, s := range resp.Statuses {
		out[id] = controller.ActivityOutcome{
			Status: domain.ActivityStatus(s.Status),
			Error:  s.Error,
		}
	}
	return out, nil
}
