// Package idp is a thin HTTP adapter over the identity provider's admin API:
// user lookup and group membership, nothing else. Authorization decisions
// live in internal/identity.
package idp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/raveos/rave/internal/raverr"
)

// User is the subset of IdP user attributes the bridge cares about.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Active   bool   `json:"active"`
}

// Client talks to the IdP admin API with a static bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a client. The http.Client is long-lived and shared.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// LookupUser resolves a username to a user record.
func (c *Client) LookupUser(ctx context.Context, username string) (*User, error) {
	var out struct {
		Results []User `json:"results"`
	}
	q := url.Values{"username": {username}}
	if err := c.get(ctx, "/api/v3/core/users/?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		return nil, raverr.New(raverr.KindAuthentication, "unknown user %q", username)
	}
	return &out.Results[0], nil
}

// LookupGroups returns the names of the groups the user belongs to.
func (c *Client) LookupGroups(ctx context.Context, userID string) ([]string, error) {
	var out struct {
		Results []struct {
			Name string `json:"name"`
		} `json:"results"`
	}
	q := url.Values{"members_by_pk": {userID}}
	if err := c.get(ctx, "/api/v3/core/groups/?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(out.Results))
	for _, g := range out.Results {
		groups = append(groups, g.Name)
	}
	return groups, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return raverr.Wrap(raverr.KindInternal, err, "build idp request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "idp request %s", path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return raverr.New(raverr.KindAuthentication, "idp rejected service credentials: %s", resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return raverr.New(raverr.KindNotFound, "idp resource not found: %s", path)
	case resp.StatusCode >= 500:
		return raverr.New(raverr.KindTransient, "idp server error: %s", resp.Status)
	default:
		return raverr.New(raverr.KindInternal, "unexpected idp response: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return raverr.Wrap(raverr.KindTransient, err, "read idp response")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return raverr.Wrap(raverr.KindInternal, err, "decode idp response")
	}
	return nil
}
