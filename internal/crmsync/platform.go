package crmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Member is a platform community member.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Space is a platform community space.
type Space struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// PlatformClient is the read-only view of the community platform the engine
// needs: entity lookups by id plus a bounded page of a member's spaces for
// the self-healing membership sweep.
type PlatformClient interface {
	Member(ctx context.Context, id string) (Member, error)
	Space(ctx context.Context, id string) (Space, error)
	MemberSpaces(ctx context.Context, memberID string, limit int) ([]Space, error)
}

// HTTPPlatformClient talks to the platform's integration API with a service
// bearer token shared across tenants.
type HTTPPlatformClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPPlatformClient(baseURL, token string, httpClient *http.Client) *HTTPPlatformClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPPlatformClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (c *HTTPPlatformClient) Member(ctx context.Context, id string) (Member, error) {
	var out Member
	err := c.doJSON(ctx, fmt.Sprintf("/api/members/%s", url.PathEscape(id)), &out)
	return out, err
}

func (c *HTTPPlatformClient) Space(ctx context.Context, id string) (Space, error) {
	var out Space
	err := c.doJSON(ctx, fmt.Sprintf("/api/spaces/%s", url.PathEscape(id)), &out)
	return out, err
}

func (c *HTTPPlatformClient) MemberSpaces(ctx context.Context, memberID string, limit int) ([]Space, error) {
	if limit <= 0 {
		limit = 10
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))
	var out struct {
		Spaces []Space `json:"spaces"`
	}
	path := fmt.Sprintf("/api/members/%s/spaces?%s", url.PathEscape(memberID), q.Encode())
	if err := c.doJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Spaces, nil
}

func (c *HTTPPlatformClient) doJSON(ctx context.Context, path string, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("platform client is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("platform http %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
