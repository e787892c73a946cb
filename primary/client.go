package primary

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

	"timebridge/internal/httperr"
)

// API defines the primary-service operations used by the sync processors
// and the mirror poller.
type API interface {
	FetchEntry(ctx context.Context, entryID int64) (Entry, bool, error)
	FetchUser(ctx context.Context, userID int64) (User, bool, error)
	FetchLabel(ctx context.Context, labelID int64) (Label, bool, error)
	ListClients(ctx context.Context) ([]Client, error)
	CreateClient(ctx context.Context, client ClientCreate) (Client, error)
	ListProjects(ctx context.Context) ([]Project, error)
	CreateProject(ctx context.Context, project NewProject) (Project, error)
	UpdateProject(ctx context.Context, projectID int64, update ProjectUpdate) error
	ArchiveProject(ctx context.Context, projectID int64) error
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ClientConfig struct {
	BaseURL    string
	Token      string
	AccountID  string
	UserAgent  string
	HTTPClient httpDoer
}

type HTTPClient struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient httpDoer
}

func NewClient(cfg ClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	parsedBase, err := url.Parse(baseURL)
	if err != nil || parsedBase.Scheme == "" || parsedBase.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}

	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("API token is required")
	}
	accountID := strings.TrimSpace(cfg.AccountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPClient{
		baseURL:    baseURL + "/" + accountID,
		token:      strings.TrimSpace(cfg.Token),
		userAgent:  strings.TrimSpace(cfg.UserAgent),
		httpClient: doer,
	}, nil
}

// Entry is a timesheet entry as returned by the primary service.
type Entry struct {
	ID              int64        `json:"id"`
	LabelIDs        []int64      `json:"label_ids"`
	DurationSeconds int64        `json:"duration"`
	Note            string       `json:"note"`
	Day             string       `json:"day"`
	UpdatedAt       int64        `json:"updated_at"`
	User            EntryUser    `json:"user"`
	Project         EntryProject `json:"project"`
}

type EntryUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type EntryProject struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	ExternalID int64       `json:"external_id"`
	Client     EntryClient `json:"client"`
}

type EntryClient struct {
	Name       string `json:"name"`
	ExternalID int64  `json:"external_id"`
}

// Hours converts the entry duration from seconds.
func (e Entry) Hours() float64 {
	return float64(e.DurationSeconds) / 3600
}

type User struct {
	ID         int64 `json:"id"`
	ExternalID int64 `json:"external_id"`
}

type Label struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Client struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	ExternalID int64  `json:"external_id"`
}

type ClientCreate struct {
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	ExternalID int64  `json:"external_id"`
}

type Project struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	ClientID   int64  `json:"client_id"`
	ExternalID int64  `json:"external_id"`
	Archived   bool   `json:"archived"`
}

type ProjectUser struct {
	UserID int64 `json:"user_id"`
}

type ProjectLabel struct {
	Required bool  `json:"required"`
	LabelID  int64 `json:"label_id"`
}

type NewProject struct {
	Name         string         `json:"name"`
	ClientID     int64          `json:"client_id"`
	Color        string         `json:"color"`
	RateType     string         `json:"rate_type"`
	Users        []ProjectUser  `json:"users,omitempty"`
	Labels       []ProjectLabel `json:"labels,omitempty"`
	EnableLabels string         `json:"enable_labels,omitempty"`
	ExternalID   int64          `json:"external_id"`
}

type ProjectUpdate struct {
	Name     string `json:"name,omitempty"`
	ClientID int64  `json:"client_id,omitempty"`
	Archived *bool  `json:"archived,omitempty"`
}

func (c *HTTPClient) FetchEntry(ctx context.Context, entryID int64) (Entry, bool, error) {
	var out Entry
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/time_entries/%d", entryID), nil, &out)
	if err != nil {
		if isNotFound(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return out, true, nil
}

func (c *HTTPClient) FetchUser(ctx context.Context, userID int64) (User, bool, error) {
	var out User
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/users/%d", userID), nil, &out)
	if err != nil {
		if isNotFound(err) {
			return User{}, false, nil
		}
		return User{}, false, err
	}
	return out, true, nil
}

func (c *HTTPClient) FetchLabel(ctx context.Context, labelID int64) (Label, bool, error) {
	var out Label
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/labels/%d", labelID), nil, &out)
	if err != nil {
		if isNotFound(err) {
			return Label{}, false, nil
		}
		return Label{}, false, err
	}
	return out, true, nil
}

func (c *HTTPClient) ListClients(ctx context.Context) ([]Client, error) {
	var out []Client
	if err := c.doJSON(ctx, http.MethodGet, "/clients", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) CreateClient(ctx context.Context, client ClientCreate) (Client, error) {
	var out Client
	body := map[string]ClientCreate{"client": client}
	if err := c.doJSON(ctx, http.MethodPost, "/clients", body, &out); err != nil {
		return Client{}, err
	}
	return out, nil
}

func (c *HTTPClient) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := c.doJSON(ctx, http.MethodGet, "/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) CreateProject(ctx context.Context, project NewProject) (Project, error) {
	var out Project
	body := map[string]NewProject{"project": project}
	if err := c.doJSON(ctx, http.MethodPost, "/projects", body, &out); err != nil {
		return Project{}, err
	}
	return out, nil
}

func (c *HTTPClient) UpdateProject(ctx context.Context, projectID int64, update ProjectUpdate) error {
	body := map[string]ProjectUpdate{"project": update}
	return c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/projects/%d", projectID), body, nil)
}

func (c *HTTPClient) ArchiveProject(ctx context.Context, projectID int64) error {
	archived := true
	return c.UpdateProject(ctx, projectID, ProjectUpdate{Archived: &archived})
}

func (c *HTTPClient) doJSON(ctx context.Context, method, endpointPath string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	url := c.baseURL + endpointPath
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request %s %s: %w", method, endpointPath, err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, endpointPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httperr.StatusError{
			Status: resp.StatusCode,
			Method: method,
			Path:   endpointPath,
			Body:   strings.TrimSpace(string(responseBody)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response %s %s: %w", method, endpointPath, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var statusErr *httperr.StatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound
}
