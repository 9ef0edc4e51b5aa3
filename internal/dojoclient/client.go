// Package dojoclient implements the UserDirectory, ChallengeDirectory,
// and ChallengeCatalog collaborator boundaries against the dojo
// platform's own internal API, grounded on the build worker's
// sendCallback use of a plain net/http client with a bearer API key —
// the same pattern used for this service's own event publisher.
package dojoclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pwncollege/workspace-core/internal/api"
	"github.com/pwncollege/workspace-core/internal/jobstore"
	"github.com/pwncollege/workspace-core/internal/provision"
)

const defaultTimeout = 5 * time.Second

// Client calls the dojo platform's internal API for everything this
// service doesn't own: accounts, dojo membership, and challenge
// metadata/material.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New constructs a Client against baseURL, authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: defaultTimeout}}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dojo API request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("dojo API request to %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- api.UserDirectory ---

type identityResponse struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	IsAdmin  bool   `json:"is_admin"`
}

// ResolveToken implements api.UserDirectory.
func (c *Client) ResolveToken(ctx context.Context, token string) (api.UserIdentity, error) {
	var resp identityResponse
	if err := c.get(ctx, "/internal/identity", url.Values{"token": {token}}, &resp); err != nil {
		return api.UserIdentity{}, err
	}
	return api.UserIdentity{UserID: resp.UserID, UserName: resp.UserName, IsAdmin: resp.IsAdmin}, nil
}

type accessResponse struct {
	Accessible bool `json:"accessible"`
}

// DojoAccessible implements api.UserDirectory.
func (c *Client) DojoAccessible(ctx context.Context, userID int64, dojoReference string) (bool, error) {
	var resp accessResponse
	q := url.Values{"user_id": {strconv.FormatInt(userID, 10)}, "dojo_reference": {dojoReference}}
	if err := c.get(ctx, "/internal/dojo_accessible", q, &resp); err != nil {
		return false, err
	}
	return resp.Accessible, nil
}

func challengeQuery(ref api.ChallengeRef) url.Values {
	q := url.Values{
		"dojo_reference": {ref.DojoReference},
		"challenge_id":   {strconv.FormatInt(ref.ChallengeID, 10)},
	}
	if ref.ModuleID != nil {
		q.Set("module_id", *ref.ModuleID)
	}
	return q
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

// Exists implements api.ChallengeDirectory.
func (c *Client) Exists(ctx context.Context, ref api.ChallengeRef) (bool, error) {
	var resp existsResponse
	if err := c.get(ctx, "/internal/challenges/exists", challengeQuery(ref), &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

type visibleResponse struct {
	Visible bool `json:"visible"`
}

// Visible implements api.ChallengeDirectory.
func (c *Client) Visible(ctx context.Context, ref api.ChallengeRef, practice bool) (bool, error) {
	q := challengeQuery(ref)
	q.Set("practice", strconv.FormatBool(practice))
	var resp visibleResponse
	if err := c.get(ctx, "/internal/challenges/visible", q, &resp); err != nil {
		return false, err
	}
	return resp.Visible, nil
}

type nextResponse struct {
	DojoReference string  `json:"dojo_reference"`
	ModuleID      *string `json:"module_id,omitempty"`
	ChallengeID   int64   `json:"challenge_id"`
	Found         bool    `json:"found"`
}

// Next implements api.ChallengeDirectory.
func (c *Client) Next(ctx context.Context, ref api.ChallengeRef) (api.ChallengeRef, bool, error) {
	var resp nextResponse
	if err := c.get(ctx, "/internal/challenges/next", challengeQuery(ref), &resp); err != nil {
		return api.ChallengeRef{}, false, err
	}
	return api.ChallengeRef{
		DojoReference: resp.DojoReference, ModuleID: resp.ModuleID, ChallengeID: resp.ChallengeID,
	}, resp.Found, nil
}

type nameResponse struct {
	DojoName      string `json:"dojo_name"`
	ModuleName    string `json:"module_name"`
	ChallengeName string `json:"challenge_name"`
}

// Name implements api.ChallengeDirectory.
func (c *Client) Name(ctx context.Context, ref api.ChallengeRef) (string, string, string, error) {
	var resp nameResponse
	if err := c.get(ctx, "/internal/challenges/name", challengeQuery(ref), &resp); err != nil {
		return "", "", "", err
	}
	return resp.DojoName, resp.ModuleName, resp.ChallengeName, nil
}

// --- provision.ChallengeCatalog ---

type challengeSpecResponse struct {
	Image         string   `json:"image"`
	DevicesWanted []string `json:"devices_wanted"`
	Options       []string `json:"options"`
	Flag          string   `json:"flag"`
	Privileged    bool     `json:"privileged"`
	GVisor        bool     `json:"gvisor"`
}

// Resolve implements provision.ChallengeCatalog. It fetches no challenge
// material: Materials is always nil, so no challenge files are installed
// into workspaces for challenges resolved through this client. Flag here is only a
// presence marker (non-empty means this challenge wants a flag
// installed) — the orchestrator derives the actual flag value locally
// via install.FlagContent rather than trusting a value served over the
// wire.
func (c *Client) Resolve(ctx context.Context, job *jobstore.Job) (provision.ChallengeSpec, error) {
	ref := api.ChallengeRef{DojoReference: job.DojoReference, ModuleID: job.ModuleID, ChallengeID: job.ChallengeID}

	var resp challengeSpecResponse
	if err := c.get(ctx, "/internal/challenges/spec", challengeQuery(ref), &resp); err != nil {
		return provision.ChallengeSpec{}, err
	}

	return provision.ChallengeSpec{
		Image:         resp.Image,
		DevicesWanted: resp.DevicesWanted,
		Materials:     nil,
		Options:       resp.Options,
		Flag:          resp.Flag,
		Privileged:    resp.Privileged,
		GVisor:        resp.GVisor,
	}, nil
}
