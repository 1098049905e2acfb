// Package remote wraps the W-Protect backend's REST endpoints in a
// stateless HTTP client. Every operation is independently fallible and
// surfaces failure to the caller; nothing is retried or cached here.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/w-protect/companion/internal/contacts"
)

const defaultTimeout = 10 * time.Second

var errMissingBaseURL = errors.New("remote: base url is required")

// Profile is the Wuser record of the owning user.
type Profile struct {
	ID       *int64 `json:"id,omitempty"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Active   *bool  `json:"active,omitempty"`
}

// LocationSample is one position reading in flight to the backend.
// Coordinates travel string-encoded, matching the Walert/Wlocation wire
// contract. Samples are never retained past the current tick.
type LocationSample struct {
	DeviceID  string   `json:"deviceId"`
	Latitude  string   `json:"latitud"`
	Longitude string   `json:"longitud"`
	Timestamp string   `json:"timestamp"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Alert is an emergency alert dispatched to the owner's contacts.
type Alert struct {
	ID               *int64 `json:"id,omitempty"`
	OwnerID          int64  `json:"userId"`
	Message          string `json:"mensaje"`
	Latitude         string `json:"latitud"`
	Longitude        string `json:"longitud"`
	Timestamp        string `json:"timestamp,omitempty"`
	ContactsNotified *int   `json:"contactosNotificados,omitempty"`
}

// ClientConfig describes how to reach the backend.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the stateless replication client. It holds no state beyond
// its HTTP transport.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient constructs a Client with a fixed client-side timeout.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{baseURL: baseURL, http: httpClient, logger: logger}, nil
}

// FetchByOwner lists the owner's contacts.
func (c *Client) FetchByOwner(ctx context.Context, ownerID int64) ([]contacts.Contact, error) {
	var list []contacts.Contact
	path := fmt.Sprintf("/contacts/user/%d", ownerID)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Upsert sends the full contact record. When the id is absent the backend
// assigns one and returns the confirmed record.
func (c *Client) Upsert(ctx context.Context, contact contacts.Contact) (contacts.Contact, error) {
	var confirmed contacts.Contact
	if err := c.do(ctx, http.MethodPut, "/contacts/save", contact, &confirmed); err != nil {
		return contacts.Contact{}, err
	}
	return confirmed, nil
}

// Remove deletes the contact with the given id.
func (c *Client) Remove(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/contacts/delete/%d", id)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// PostLocationSample transmits one position reading, fire-and-forget.
// Failures are the caller's to log; this client never retries them.
func (c *Client) PostLocationSample(ctx context.Context, sample LocationSample) error {
	return c.do(ctx, http.MethodPost, "/location/track", sample, nil)
}

// ProfileByDevice looks up the profile registered for a device identifier.
func (c *Client) ProfileByDevice(ctx context.Context, deviceID string) (Profile, error) {
	var profile Profile
	path := "/users/device/" + deviceID
	if err := c.do(ctx, http.MethodGet, path, nil, &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// SaveProfile creates or updates the profile record.
func (c *Client) SaveProfile(ctx context.Context, profile Profile) (Profile, error) {
	var confirmed Profile
	if err := c.do(ctx, http.MethodPut, "/users/save", profile, &confirmed); err != nil {
		return Profile{}, err
	}
	return confirmed, nil
}

// SaveAlert posts an emergency alert.
func (c *Client) SaveAlert(ctx context.Context, alert Alert) (Alert, error) {
	var confirmed Alert
	if err := c.do(ctx, http.MethodPut, "/alerts/save", alert, &confirmed); err != nil {
		return Alert{}, err
	}
	return confirmed, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return networkError(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return networkError(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return serverError(resp.StatusCode, errorMessage(resp, payload))
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return serverError(resp.StatusCode, "malformed response body")
		}
	}
	return nil
}

// errorMessage extracts a human-readable message from an error response:
// the JSON "message" or "error" field when the body parses, the raw text
// when it does not, the status line when the body is empty.
func errorMessage(resp *http.Response, payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return resp.Status
	}
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return trimmed
}
