package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the provider reports the member does not exist.
var ErrNotFound = errors.New("member not found")

// MembershipClient talks to a list-membership API that addresses members by
// the md5 hash of their lower-cased address.
type MembershipClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewMembershipClient(baseURL, apiKey string, timeout time.Duration) *MembershipClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &MembershipClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type MemberUpsert struct {
	Address     string            `json:"email_address"`
	StatusIfNew string            `json:"status_if_new"`
	MergeFields map[string]string `json:"merge_fields,omitempty"`
}

type memberResponse struct {
	ID string `json:"id"`
}

type tagRequest struct {
	Tags []tagEntry `json:"tags"`
}

type tagEntry struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// UpsertMember creates or updates the member stored under hash and returns
// the provider's member id.
func (c *MembershipClient) UpsertMember(ctx context.Context, listID, hash string, m MemberUpsert) (string, error) {
	if m.StatusIfNew == "" {
		m.StatusIfNew = "subscribed"
	}
	body, err := c.doRequest(ctx, http.MethodPut, c.memberPath(listID, hash), m)
	if err != nil {
		return "", err
	}

	var mr memberResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if mr.ID == "" {
		return hash, nil
	}
	return mr.ID, nil
}

func (c *MembershipClient) DeleteMember(ctx context.Context, listID, hash string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, c.memberPath(listID, hash), nil)
	return err
}

func (c *MembershipClient) AddTags(ctx context.Context, listID, hash string, tags []string) error {
	req := tagRequest{Tags: make([]tagEntry, 0, len(tags))}
	for _, t := range tags {
		req.Tags = append(req.Tags, tagEntry{Name: t, Status: "active"})
	}
	_, err := c.doRequest(ctx, http.MethodPost, c.memberPath(listID, hash)+"/tags", req)
	return err
}

func (c *MembershipClient) memberPath(listID, hash string) string {
	return fmt.Sprintf("/lists/%s/members/%s", url.PathEscape(listID), url.PathEscape(hash))
}

func (c *MembershipClient) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("anystring", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: body=%q", ErrNotFound, string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}
	return body, nil
}
