package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient implements Client against the vendor's JSON API.
type HTTPClient struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for baseURL. A nil httpClient gets a default
// client with a 30 second timeout.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) (*HTTPClient, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("scheduler: base url %q must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: parsed, token: token, http: httpClient}, nil
}

type createResponse struct {
	Handle string `json:"handle"`
}

type aclRequest struct {
	InstructorUIDs   []string `json:"instructor_uids"`
	CollaboratorUIDs []string `json:"collaborator_uids"`
}

type categoriesRequest struct {
	Categories []string `json:"categories"`
}

type recordingTypeRequest struct {
	RecordingType string `json:"recording_type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreateRecurringSchedule creates a recurring recording and returns its handle.
func (c *HTTPClient) CreateRecurringSchedule(ctx context.Context, req ScheduleRequest) (string, error) {
	var resp createResponse
	if err := c.do(ctx, OpCreate, "", http.MethodPost, "/schedules", req, &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", ErrMissingHandle
	}
	return resp.Handle, nil
}

// GetEvent fetches the vendor's current view of handle.
func (c *HTTPClient) GetEvent(ctx context.Context, handle string) (Event, error) {
	var event Event
	if err := c.do(ctx, OpGetEvent, handle, http.MethodGet, schedulePath(handle), nil, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// UpdateACL replaces the instructor and collaborator lists.
func (c *HTTPClient) UpdateACL(ctx context.Context, handle string, instructors, collaborators []string) error {
	body := aclRequest{InstructorUIDs: nonNil(instructors), CollaboratorUIDs: nonNil(collaborators)}
	return c.do(ctx, OpUpdateACL, handle, http.MethodPut, schedulePath(handle, "acl"), body, nil)
}

// UpdateTimeOrRoom changes the timing or the capture resource.
func (c *HTTPClient) UpdateTimeOrRoom(ctx context.Context, handle string, timing Timing) error {
	return c.do(ctx, OpUpdateTimeOrRoom, handle, http.MethodPatch, schedulePath(handle, "timing"), timing, nil)
}

// UpdateCategories replaces the publishing categories.
func (c *HTTPClient) UpdateCategories(ctx context.Context, handle string, categories []string) error {
	body := categoriesRequest{Categories: nonNil(categories)}
	return c.do(ctx, OpUpdateCategories, handle, http.MethodPut, schedulePath(handle, "categories"), body, nil)
}

// UpdateRecordingType changes what the capture agent records.
func (c *HTTPClient) UpdateRecordingType(ctx context.Context, handle string, recordingType string) error {
	body := recordingTypeRequest{RecordingType: recordingType}
	return c.do(ctx, OpUpdateRecordingType, handle, http.MethodPut, schedulePath(handle, "recording-type"), body, nil)
}

// Cancel stops future occurrences of handle.
func (c *HTTPClient) Cancel(ctx context.Context, handle string) error {
	return c.do(ctx, OpCancel, handle, http.MethodPost, schedulePath(handle, "cancel"), nil, nil)
}

// Delete removes handle from the vendor.
func (c *HTTPClient) Delete(ctx context.Context, handle string) error {
	return c.do(ctx, OpDelete, handle, http.MethodDelete, schedulePath(handle), nil, nil)
}

func schedulePath(handle string, parts ...string) string {
	path := "/schedules/" + url.PathEscape(handle)
	for _, part := range parts {
		path += "/" + part
	}
	return path
}

func (c *HTTPClient) do(ctx context.Context, op, handle, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("scheduler: %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("scheduler: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler: %s %s: %w", op, handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Handle: handle, StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("scheduler: %s: decode response: %w", op, err)
	}
	return nil
}

func readMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload errorResponse
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
