// Package secondary talks to the Secondary service. Every call rides on a
// short-lived session: a login exchange yields an appID which is then sent
// as a cookie on each request. Sessions expire server-side without notice,
// so callers acquire one per invocation through WithSession and never cache
// it across invocations.
package secondary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"timebridge/internal/httperr"
)

// API grants scoped access to an authenticated Secondary session.
type API interface {
	WithSession(ctx context.Context, fn func(Session) error) error
}

// Session exposes the Secondary operations bound to one login.
type Session interface {
	FetchTasks(ctx context.Context, jobID int64) ([]Task, error)
	CreateTask(ctx context.Context, jobID int64, name string) (Task, error)
	SubmitTimesheet(ctx context.Context, sheet Timesheet) (int64, error)
	UpdateTimesheet(ctx context.Context, entryID int64, sheet Timesheet) error
	DeleteTimesheet(ctx context.Context, entryID int64) error
	ListTimesheets(ctx context.Context, personnelID int64) ([]TimesheetRecord, error)
	ListClients(ctx context.Context) ([]Client, error)
	ListJobs(ctx context.Context, includeClosed bool) ([]Job, error)
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type ClientConfig struct {
	BaseURL    string
	OrgCode    string
	Username   string
	Password   string
	UserID     string
	HTTPClient httpDoer
}

type HTTPClient struct {
	baseURL    string
	orgCode    string
	username   string
	password   string
	userID     string
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
	if strings.TrimSpace(cfg.OrgCode) == "" {
		return nil, errors.New("organization code is required")
	}
	if strings.TrimSpace(cfg.Username) == "" || strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("username and password are required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("user id is required")
	}

	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPClient{
		baseURL:    baseURL,
		orgCode:    strings.TrimSpace(cfg.OrgCode),
		username:   strings.TrimSpace(cfg.Username),
		password:   strings.TrimSpace(cfg.Password),
		userID:     strings.TrimSpace(cfg.UserID),
		httpClient: doer,
	}, nil
}

// Task is one selectable task under a job.
type Task struct {
	ID   int64  `json:"idTask"`
	Name string `json:"strName"`
}

// Timesheet carries the fields the Secondary timesheet endpoint accepts.
type Timesheet struct {
	ClientID    int64
	JobID       int64
	TaskID      int64
	PersonnelID int64
	Hours       float64
	Day         string
	Description string
}

// TimesheetRecord is an existing timesheet row as the Secondary lists it.
type TimesheetRecord struct {
	ID          int64
	JobID       int64
	TaskID      int64
	PersonnelID int64
	Hours       float64
	Day         string
	Description string
}

// Client is a Secondary billing client.
type Client struct {
	ID   int64
	Code string
	Name string
}

// Job is a Secondary job row. Revision counts metadata edits on the
// Secondary side and never decreases for a given job.
type Job struct {
	ID         int64
	Code       string
	Name       string
	ClientID   int64
	ClientCode string
	ClientName string
	Closed     bool
	Revision   int64
}

// WithSession logs in, hands the session to fn and lets it lapse afterwards.
// The appID is never reused across calls.
func (c *HTTPClient) WithSession(ctx context.Context, fn func(Session) error) error {
	appID, err := c.login(ctx)
	if err != nil {
		return err
	}
	return fn(&httpSession{client: c, appID: appID})
}

type loginResponse struct {
	AppID string `json:"appID"`
}

func (c *HTTPClient) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("cmd", "org")
	form.Set("idOrg", c.orgCode)
	form.Set("strUsername", c.username)
	form.Set("strPassword", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login/", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &httperr.StatusError{
			Status: resp.StatusCode,
			Method: http.MethodPost,
			Path:   "/login/",
			Body:   strings.TrimSpace(string(body)),
		}
	}

	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if login.AppID == "" {
		return "", errors.New("login response missing appID")
	}
	return login.AppID, nil
}

// RejectionError is a business-level refusal delivered inside a 200
// response, such as a submission against a closed job. Rejections are
// final; retrying the same payload cannot succeed.
type RejectionError struct {
	Op     string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("timesheet %s rejected: %s", e.Op, e.Detail)
}

type httpSession struct {
	client *HTTPClient
	appID  string
}

func (s *httpSession) cookie() string {
	return fmt.Sprintf(
		"appID=%s; appOrganization=%s; appUsername=%s",
		s.appID,
		s.client.orgCode,
		s.client.username,
	)
}

type listTasksResponse struct {
	Tasks []Task `json:"listTasks"`
}

func (s *httpSession) FetchTasks(ctx context.Context, jobID int64) ([]Task, error) {
	path := fmt.Sprintf("/Task/?i=%s&cmd=list&idJob=%d", s.client.userID, jobID)
	var out listTasksResponse
	if err := s.doForm(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (s *httpSession) CreateTask(ctx context.Context, jobID int64, name string) (Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Task{}, errors.New("task name must not be empty")
	}

	path := fmt.Sprintf("/Task/?i=%s&cmd=add", s.client.userID)
	form := url.Values{}
	form.Set("idJob", strconv.FormatInt(jobID, 10))
	form.Set("strName", name)

	var out Task
	if err := s.doForm(ctx, http.MethodPost, path, form, &out); err != nil {
		return Task{}, err
	}
	if out.ID == 0 {
		return Task{}, fmt.Errorf("task creation for job %d returned no idTask", jobID)
	}
	if out.Name == "" {
		out.Name = name
	}
	return out, nil
}

type submitResponse struct {
	EntryID FlexibleInt64   `json:"idTimesheet"`
	Error   json.RawMessage `json:"error"`
}

func (s *httpSession) SubmitTimesheet(ctx context.Context, sheet Timesheet) (int64, error) {
	path := fmt.Sprintf("/timesheet/?i=%s&cmd=add", s.client.userID)

	var out submitResponse
	if err := s.doForm(ctx, http.MethodPost, path, timesheetForm(sheet, 0), &out); err != nil {
		return 0, err
	}
	if len(out.Error) > 0 {
		return 0, &RejectionError{Op: "submission", Detail: trimRaw(out.Error)}
	}
	if !out.EntryID.Valid {
		return 0, errors.New("timesheet submission returned no idTimesheet")
	}
	return out.EntryID.Value, nil
}

func (s *httpSession) UpdateTimesheet(ctx context.Context, entryID int64, sheet Timesheet) error {
	path := fmt.Sprintf("/timesheet/?i=%s&cmd=update", s.client.userID)

	var out submitResponse
	if err := s.doForm(ctx, http.MethodPost, path, timesheetForm(sheet, entryID), &out); err != nil {
		return err
	}
	if len(out.Error) > 0 {
		return &RejectionError{Op: "update", Detail: trimRaw(out.Error)}
	}
	return nil
}

func (s *httpSession) DeleteTimesheet(ctx context.Context, entryID int64) error {
	path := fmt.Sprintf("/timesheet/?i=%s&cmd=delete", s.client.userID)
	form := url.Values{}
	form.Set("idTimesheet", strconv.FormatInt(entryID, 10))

	var out submitResponse
	if err := s.doForm(ctx, http.MethodPost, path, form, &out); err != nil {
		return err
	}
	if len(out.Error) > 0 {
		return &RejectionError{Op: "deletion", Detail: trimRaw(out.Error)}
	}
	return nil
}

func timesheetForm(sheet Timesheet, entryID int64) url.Values {
	form := url.Values{}
	if entryID != 0 {
		form.Set("idTimesheet", strconv.FormatInt(entryID, 10))
	}
	form.Set("idClient", strconv.FormatInt(sheet.ClientID, 10))
	form.Set("idJob", strconv.FormatInt(sheet.JobID, 10))
	form.Set("idTask", strconv.FormatInt(sheet.TaskID, 10))
	form.Set("idPersonnel", strconv.FormatInt(sheet.PersonnelID, 10))
	form.Set("dblHours", strconv.FormatFloat(sheet.Hours, 'f', -1, 64))
	form.Set("dtTimesheet", sheet.Day)
	form.Set("strDescription", sheet.Description)
	return form
}

// tableResult is the Secondary list shape: a header mapping column names to
// indexes and rows of loosely typed cells.
type tableResult struct {
	Header map[string]int   `json:"hdr"`
	Data   [][]FlexibleCell `json:"data"`
}

func (t tableResult) cell(row []FlexibleCell, column string) (FlexibleCell, error) {
	index, ok := t.Header[column]
	if !ok {
		return FlexibleCell{}, fmt.Errorf("column %q missing from result header", column)
	}
	if index < 0 || index >= len(row) {
		return FlexibleCell{}, fmt.Errorf("column %q index %d out of range for row of %d cells", column, index, len(row))
	}
	return row[index], nil
}

type listTimesheetsResponse struct {
	ListTimesheets tableResult `json:"listTimesheets"`
}

// ListTimesheets returns the timesheet rows recorded for one personnel id,
// or for everyone when personnelID is zero.
func (s *httpSession) ListTimesheets(ctx context.Context, personnelID int64) ([]TimesheetRecord, error) {
	path := fmt.Sprintf(
		"/timesheet/?o=%s&i=%s&cmd=list",
		url.QueryEscape(s.client.orgCode),
		s.client.userID,
	)
	if personnelID > 0 {
		path += fmt.Sprintf("&idPersonnel=%d", personnelID)
	}

	var out listTimesheetsResponse
	if err := s.doForm(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	table := out.ListTimesheets
	records := make([]TimesheetRecord, 0, len(table.Data))
	for _, row := range table.Data {
		rec, err := parseTimesheetRow(table, row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseTimesheetRow(table tableResult, row []FlexibleCell) (TimesheetRecord, error) {
	var rec TimesheetRecord

	for column, target := range map[string]*int64{
		"idTimesheet": &rec.ID,
		"idJob":       &rec.JobID,
		"idTask":      &rec.TaskID,
		"idPersonnel": &rec.PersonnelID,
	} {
		cell, err := table.cell(row, column)
		if err != nil {
			return TimesheetRecord{}, err
		}
		if *target, err = cell.Int64(); err != nil {
			return TimesheetRecord{}, fmt.Errorf("parse %s: %w", column, err)
		}
	}

	hoursCell, err := table.cell(row, "dblHours")
	if err != nil {
		return TimesheetRecord{}, err
	}
	if rec.Hours, err = hoursCell.Float64(); err != nil {
		return TimesheetRecord{}, fmt.Errorf("parse hours for timesheet %d: %w", rec.ID, err)
	}

	for column, target := range map[string]*string{
		"dtTimesheet":    &rec.Day,
		"strDescription": &rec.Description,
	} {
		cell, err := table.cell(row, column)
		if err != nil {
			return TimesheetRecord{}, err
		}
		*target = cell.String()
	}

	return rec, nil
}

type listClientsResponse struct {
	ListClients struct {
		Data [][]FlexibleCell `json:"data"`
	} `json:"listClients"`
}

// ListClients returns the non-archived clients. Rows arrive positionally:
// id, code, name.
func (s *httpSession) ListClients(ctx context.Context) ([]Client, error) {
	path := fmt.Sprintf("/client/?o=%s&i=%s&cmd=list&boolArchived=0", url.QueryEscape(s.client.orgCode), s.client.userID)

	var out listClientsResponse
	if err := s.doForm(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	clients := make([]Client, 0, len(out.ListClients.Data))
	for _, row := range out.ListClients.Data {
		if len(row) < 3 {
			return nil, fmt.Errorf("client row has %d cells, want at least 3", len(row))
		}
		id, err := row[0].Int64()
		if err != nil {
			return nil, fmt.Errorf("parse client id: %w", err)
		}
		clients = append(clients, Client{
			ID:   id,
			Code: row[1].String(),
			Name: row[2].String(),
		})
	}
	return clients, nil
}

type listJobsResponse struct {
	ListJobs tableResult `json:"listJobs"`
}

func (s *httpSession) ListJobs(ctx context.Context, includeClosed bool) ([]Job, error) {
	closed := "0"
	if includeClosed {
		closed = "1"
	}
	path := fmt.Sprintf(
		"/job/?o=%s&i=%s&cmd=list&boolArchived=0&boolClosed=%s",
		url.QueryEscape(s.client.orgCode),
		s.client.userID,
		closed,
	)

	var out listJobsResponse
	if err := s.doForm(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	table := out.ListJobs
	jobs := make([]Job, 0, len(table.Data))
	for _, row := range table.Data {
		job, err := parseJobRow(table, row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func parseJobRow(table tableResult, row []FlexibleCell) (Job, error) {
	var job Job

	idCell, err := table.cell(row, "idJob")
	if err != nil {
		return Job{}, err
	}
	if job.ID, err = idCell.Int64(); err != nil {
		return Job{}, fmt.Errorf("parse job id: %w", err)
	}

	clientCell, err := table.cell(row, "idClient")
	if err != nil {
		return Job{}, err
	}
	if job.ClientID, err = clientCell.Int64(); err != nil {
		return Job{}, fmt.Errorf("parse client id for job %d: %w", job.ID, err)
	}

	for column, target := range map[string]*string{
		"strJobCode":    &job.Code,
		"strJobName":    &job.Name,
		"strClientCode": &job.ClientCode,
		"strClientName": &job.ClientName,
	} {
		cell, err := table.cell(row, column)
		if err != nil {
			return Job{}, err
		}
		*target = cell.String()
	}

	// Revision and closed state are absent from older tenants; both default
	// to their zero values there.
	if cell, err := table.cell(row, "intRevision"); err == nil {
		if job.Revision, err = cell.Int64(); err != nil {
			return Job{}, fmt.Errorf("parse revision for job %d: %w", job.ID, err)
		}
	}
	if cell, err := table.cell(row, "boolClosed"); err == nil {
		flag, err := cell.Int64()
		if err != nil {
			return Job{}, fmt.Errorf("parse closed flag for job %d: %w", job.ID, err)
		}
		job.Closed = flag != 0
	}

	return job, nil
}

func (s *httpSession) doForm(ctx context.Context, method, endpointPath string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, s.client.baseURL+endpointPath, body)
	if err != nil {
		return fmt.Errorf("create request %s %s: %w", method, endpointPath, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", s.cookie())
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.client.httpClient.Do(req)
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

func trimRaw(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}
