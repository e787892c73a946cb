package mirror

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"timebridge/ledger"
	"timebridge/primary"
	"timebridge/secondary"
)

type fakePrimary struct {
	clients      []primary.Client
	projects     []primary.Project
	nextClientID int64
	nextProject  int64

	createdClients  int
	createdProjects int
	updates         map[int64]primary.ProjectUpdate
	archived        []int64
}

func (f *fakePrimary) ListClients(context.Context) ([]primary.Client, error) {
	return append([]primary.Client(nil), f.clients...), nil
}

func (f *fakePrimary) CreateClient(ctx context.Context, c primary.ClientCreate) (primary.Client, error) {
	f.nextClientID++
	client := primary.Client{ID: f.nextClientID, Name: c.Name, Active: c.Active, ExternalID: c.ExternalID}
	f.clients = append(f.clients, client)
	f.createdClients++
	return client, nil
}

func (f *fakePrimary) ListProjects(context.Context) ([]primary.Project, error) {
	return append([]primary.Project(nil), f.projects...), nil
}

func (f *fakePrimary) CreateProject(ctx context.Context, p primary.NewProject) (primary.Project, error) {
	f.nextProject++
	project := primary.Project{ID: f.nextProject, Name: p.Name, ClientID: p.ClientID, ExternalID: p.ExternalID}
	f.projects = append(f.projects, project)
	f.createdProjects++
	return project, nil
}

func (f *fakePrimary) UpdateProject(ctx context.Context, id int64, update primary.ProjectUpdate) error {
	if f.updates == nil {
		f.updates = make(map[int64]primary.ProjectUpdate)
	}
	f.updates[id] = update
	return nil
}

func (f *fakePrimary) ArchiveProject(ctx context.Context, id int64) error {
	f.archived = append(f.archived, id)
	return nil
}

func (f *fakePrimary) FetchEntry(context.Context, int64) (primary.Entry, bool, error) {
	return primary.Entry{}, false, nil
}

func (f *fakePrimary) FetchUser(context.Context, int64) (primary.User, bool, error) {
	return primary.User{}, false, nil
}

func (f *fakePrimary) FetchLabel(context.Context, int64) (primary.Label, bool, error) {
	return primary.Label{}, false, nil
}

func (f *fakePrimary) writes() int {
	return f.createdClients + f.createdProjects + len(f.updates) + len(f.archived)
}

type fakeSecondary struct {
	clients []secondary.Client
	jobs    []secondary.Job
}

func (f *fakeSecondary) WithSession(ctx context.Context, fn func(secondary.Session) error) error {
	return fn(&fakeSession{owner: f})
}

type fakeSession struct {
	owner *fakeSecondary
}

func (s *fakeSession) ListClients(context.Context) ([]secondary.Client, error) {
	return append([]secondary.Client(nil), s.owner.clients...), nil
}

func (s *fakeSession) ListJobs(context.Context, bool) ([]secondary.Job, error) {
	return append([]secondary.Job(nil), s.owner.jobs...), nil
}

func (s *fakeSession) FetchTasks(context.Context, int64) ([]secondary.Task, error) { return nil, nil }

func (s *fakeSession) CreateTask(context.Context, int64, string) (secondary.Task, error) {
	return secondary.Task{}, nil
}

func (s *fakeSession) SubmitTimesheet(context.Context, secondary.Timesheet) (int64, error) {
	return 0, nil
}

func (s *fakeSession) UpdateTimesheet(context.Context, int64, secondary.Timesheet) error { return nil }
func (s *fakeSession) DeleteTimesheet(context.Context, int64) error                      { return nil }

func (s *fakeSession) ListTimesheets(context.Context, int64) ([]secondary.TimesheetRecord, error) {
	return nil, nil
}

func newPoller(t *testing.T) (*Poller, *fakePrimary, *fakeSecondary, ledger.Store) {
	t.Helper()
	store, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fp := &fakePrimary{}
	fs := &fakeSecondary{
		clients: []secondary.Client{
			{ID: 40, Code: "ACME", Name: "Acme Ltd"},
			{ID: 41, Code: "INTERNAL", Name: "Internal"},
		},
		jobs: []secondary.Job{
			{ID: 300, Code: "J300", Name: "Rebrand", ClientID: 40, ClientCode: "ACME", ClientName: "Acme Ltd", Revision: 1},
			{ID: 310, Code: "J310", Name: "Intranet", ClientID: 41, ClientCode: "INTERNAL", ClientName: "Internal", Revision: 1},
		},
	}

	return &Poller{
		Ledger:          store,
		Primary:         fp,
		Secondary:       fs,
		ExcludedClients: map[string]struct{}{"INTERNAL": {}},
		ProjectColor:    "FFFFFF",
		RateType:        "project",
		UserIDs:         []int64{7},
		LabelIDs:        []int64{90},
		Log:             slog.New(slog.DiscardHandler),
	}, fp, fs, store
}

func TestFirstRunCreatesMirrors(t *testing.T) {
	t.Parallel()

	poller, fp, _, store := newPoller(t)
	result, err := poller.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The INTERNAL client and its job are excluded.
	if result.ClientsCreated != 1 || result.ProjectsCreated != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec, err := store.GetJobRecord(300)
	if err != nil {
		t.Fatalf("get job record: %v", err)
	}
	if rec.PrimaryProjectID == 0 || rec.PrimaryClientID == 0 || rec.LastSeenVersion != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Status != ledger.JobStatusOpen {
		t.Fatalf("expected open status, got %q", rec.Status)
	}
	if _, err := store.GetJobRecord(310); err == nil {
		t.Fatal("excluded job must not be recorded")
	}
	if fp.projects[0].Name != "Rebrand - J300" {
		t.Fatalf("unexpected mirror name %q", fp.projects[0].Name)
	}
}

func TestUnchangedPollMakesZeroWrites(t *testing.T) {
	t.Parallel()

	poller, fp, _, _ := newPoller(t)
	ctx := context.Background()
	if _, err := poller.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := fp.writes()

	result, err := poller.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.changed() {
		t.Fatalf("expected zero-change result, got %+v", result)
	}
	if fp.writes() != before {
		t.Fatalf("unchanged poll made writes: before=%d after=%d", before, fp.writes())
	}
}

func TestRevisionBumpUpdatesMirror(t *testing.T) {
	t.Parallel()

	poller, fp, fs, store := newPoller(t)
	ctx := context.Background()
	if _, err := poller.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	fs.jobs[0].Name = "Rebrand 2.0"
	fs.jobs[0].Revision = 2

	result, err := poller.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.ProjectsUpdated != 1 || result.ProjectsCreated != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec, err := store.GetJobRecord(300)
	if err != nil {
		t.Fatalf("get job record: %v", err)
	}
	if rec.LastSeenVersion != 2 || rec.JobName != "Rebrand 2.0" {
		t.Fatalf("record not bumped: %+v", rec)
	}
	if update, ok := fp.updates[rec.PrimaryProjectID]; !ok || update.Name != "Rebrand 2.0 - J300" {
		t.Fatalf("unexpected mirror update: %+v", fp.updates)
	}
}

func TestClosedJobArchivesMirror(t *testing.T) {
	t.Parallel()

	poller, fp, fs, store := newPoller(t)
	ctx := context.Background()
	if _, err := poller.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	fs.jobs[0].Closed = true
	fs.jobs[0].Revision = 2

	result, err := poller.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.ProjectsArchived != 1 {
		t.Fatalf("expected one archive call, got %+v", result)
	}

	rec, err := store.GetJobRecord(300)
	if err != nil {
		t.Fatalf("get job record: %v", err)
	}
	if rec.Status != ledger.JobStatusClosed {
		t.Fatalf("expected closed status, got %q", rec.Status)
	}
	if len(fp.archived) != 1 || fp.archived[0] != rec.PrimaryProjectID {
		t.Fatalf("unexpected archived projects: %v", fp.archived)
	}

	// A later unchanged poll of the closed job writes nothing.
	before := fp.writes()
	if _, err := poller.Run(ctx); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if fp.writes() != before {
		t.Fatal("closed job must not trigger repeat writes")
	}
}

func TestVanishedJobClosedNotDeleted(t *testing.T) {
	t.Parallel()

	poller, fp, fs, store := newPoller(t)
	ctx := context.Background()
	if _, err := poller.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	rec, err := store.GetJobRecord(300)
	if err != nil {
		t.Fatalf("get job record: %v", err)
	}

	fs.jobs = fs.jobs[1:] // job 300 gone from the listing

	result, err := poller.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if result.ProjectsArchived != 1 {
		t.Fatalf("expected archive for vanished job, got %+v", result)
	}
	if len(fp.archived) != 1 || fp.archived[0] != rec.PrimaryProjectID {
		t.Fatalf("unexpected archived projects: %v", fp.archived)
	}

	// The record survives as closed; nothing is deleted.
	after, err := store.GetJobRecord(300)
	if err != nil {
		t.Fatalf("record must survive: %v", err)
	}
	if after.Status != ledger.JobStatusClosed {
		t.Fatalf("expected closed record, got %+v", after)
	}

	before := fp.writes()
	if _, err := poller.Run(ctx); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if fp.writes() != before {
		t.Fatal("already-closed vanished job must not trigger writes")
	}
}
