package crmsync

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MailchimpClientOptions configures the HTTP facade for one tenant.
type MailchimpClientOptions struct {
	BaseURL     string
	AccessToken string
	AudienceID  string
	HTTPClient  *http.Client
	UserAgent   string
}

// MailchimpClient implements CRMClient against the Marketing API v3.
// It maps HTTP outcomes onto the engine's error taxonomy and performs no
// retries of its own.
type MailchimpClient struct {
	baseURL     string
	accessToken string
	audienceID  string
	httpClient  *http.Client
	userAgent   string
}

func NewMailchimpClient(opts MailchimpClientOptions) *MailchimpClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &MailchimpClient{
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(opts.AccessToken),
		audienceID:  strings.TrimSpace(opts.AudienceID),
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
	}
}

// subscriberHash is Mailchimp's member key: md5 of the lowercased email.
func subscriberHash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

type mailchimpAudience struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type mailchimpAudienceList struct {
	Lists []mailchimpAudience `json:"lists"`
}

type mailchimpMember struct {
	EmailAddress string            `json:"email_address"`
	Status       string            `json:"status,omitempty"`
	MergeFields  map[string]string `json:"merge_fields,omitempty"`
}

type mailchimpSegment struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

func (c *MailchimpClient) ListAudiences(ctx context.Context) ([]Audience, error) {
	var out mailchimpAudienceList
	if err := c.doJSON(ctx, "ListAudiences", http.MethodGet, "/3.0/lists", nil, &out); err != nil {
		return nil, err
	}
	audiences := make([]Audience, 0, len(out.Lists))
	for _, list := range out.Lists {
		audiences = append(audiences, Audience{ID: list.ID, Name: list.Name})
	}
	return audiences, nil
}

func (c *MailchimpClient) FindContactByEmail(ctx context.Context, email string) (Contact, error) {
	var out mailchimpMember
	path := fmt.Sprintf("/3.0/lists/%s/members/%s", url.PathEscape(c.audienceID), subscriberHash(email))
	if err := c.doJSON(ctx, "FindContactByEmail", http.MethodGet, path, nil, &out); err != nil {
		return Contact{}, err
	}
	return Contact{Email: out.EmailAddress, Name: out.MergeFields["FNAME"]}, nil
}

func (c *MailchimpClient) CreateContact(ctx context.Context, contact Contact) error {
	path := fmt.Sprintf("/3.0/lists/%s/members", url.PathEscape(c.audienceID))
	payload := mailchimpMember{
		EmailAddress: contact.Email,
		Status:       "subscribed",
		MergeFields:  contactMergeFields(contact),
	}
	return c.doJSON(ctx, "CreateContact", http.MethodPost, path, payload, nil)
}

func (c *MailchimpClient) UpdateContact(ctx context.Context, contact Contact) error {
	path := fmt.Sprintf("/3.0/lists/%s/members/%s", url.PathEscape(c.audienceID), subscriberHash(contact.Email))
	payload := mailchimpMember{
		EmailAddress: contact.Email,
		MergeFields:  contactMergeFields(contact),
	}
	return c.doJSON(ctx, "UpdateContact", http.MethodPatch, path, payload, nil)
}

func contactMergeFields(contact Contact) map[string]string {
	if strings.TrimSpace(contact.Name) == "" {
		return nil
	}
	fields := map[string]string{"FNAME": contact.Name}
	if first, last, ok := strings.Cut(contact.Name, " "); ok && strings.TrimSpace(last) != "" {
		fields["FNAME"] = first
		fields["LNAME"] = strings.TrimSpace(last)
	}
	return fields
}

func (c *MailchimpClient) CreateTag(ctx context.Context, name string) (Tag, error) {
	path := fmt.Sprintf("/3.0/lists/%s/segments", url.PathEscape(c.audienceID))
	payload := map[string]any{
		"name":           name,
		"static_segment": []string{},
	}
	var out mailchimpSegment
	if err := c.doJSON(ctx, "CreateTag", http.MethodPost, path, payload, &out); err != nil {
		return Tag{}, err
	}
	return Tag{ID: out.ID.String(), Name: out.Name}, nil
}

func (c *MailchimpClient) RenameTag(ctx context.Context, id, name string) error {
	path := fmt.Sprintf("/3.0/lists/%s/segments/%s", url.PathEscape(c.audienceID), url.PathEscape(id))
	return c.doJSON(ctx, "RenameTag", http.MethodPatch, path, map[string]any{"name": name}, nil)
}

func (c *MailchimpClient) GetTag(ctx context.Context, id string) (Tag, error) {
	path := fmt.Sprintf("/3.0/lists/%s/segments/%s", url.PathEscape(c.audienceID), url.PathEscape(id))
	var out mailchimpSegment
	if err := c.doJSON(ctx, "GetTag", http.MethodGet, path, nil, &out); err != nil {
		return Tag{}, err
	}
	return Tag{ID: out.ID.String(), Name: out.Name}, nil
}

func (c *MailchimpClient) AddTagMembers(ctx context.Context, id string, emails []string) error {
	path := fmt.Sprintf("/3.0/lists/%s/segments/%s", url.PathEscape(c.audienceID), url.PathEscape(id))
	return c.doJSON(ctx, "AddTagMembers", http.MethodPost, path, map[string]any{"members_to_add": emails}, nil)
}

func (c *MailchimpClient) RemoveTagMembers(ctx context.Context, id string, emails []string) error {
	path := fmt.Sprintf("/3.0/lists/%s/segments/%s", url.PathEscape(c.audienceID), url.PathEscape(id))
	return c.doJSON(ctx, "RemoveTagMembers", http.MethodPost, path, map[string]any{"members_to_remove": emails}, nil)
}

func (c *MailchimpClient) PostTimelineEvent(ctx context.Context, email string, event TimelineEvent) error {
	path := fmt.Sprintf("/3.0/lists/%s/members/%s/events", url.PathEscape(c.audienceID), subscriberHash(email))
	payload := map[string]any{
		"name":        event.Name,
		"occurred_at": FormatCRMTimestamp(event.OccurredAt),
	}
	if len(event.Properties) > 0 {
		payload["properties"] = event.Properties
	}
	return c.doJSON(ctx, "PostTimelineEvent", http.MethodPost, path, payload, nil)
}

// FormatCRMTimestamp renders a time in the CRM's required ISO-8601 shape.
func FormatCRMTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05+00:00")
}

func (c *MailchimpClient) doJSON(ctx context.Context, op, method, path string, payload, out any) error {
	if c == nil {
		return &CRMError{Kind: ErrUnavailable, Op: op, Message: "mailchimp client is nil"}
	}
	if c.baseURL == "" {
		return &CRMError{Kind: ErrUnavailable, Op: op, Message: "mailchimp api endpoint is empty"}
	}
	if c.accessToken == "" {
		return &CRMError{Kind: ErrUnauthorized, Op: op, Message: "mailchimp access token is empty"}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &CRMError{Kind: ErrUnavailable, Op: op, Message: err.Error()}
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &CRMError{Kind: ErrUnavailable, Op: op, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &CRMError{Kind: ErrUnavailable, Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &CRMError{Kind: ErrUnavailable, Op: op, Status: resp.StatusCode, Message: "invalid response body"}
		}
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &CRMError{
		Kind:    classifyStatus(resp.StatusCode),
		Op:      op,
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(string(detail)),
	}
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	default:
		return ErrUnavailable
	}
}
