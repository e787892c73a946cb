// Package mirror keeps primary-side projects and clients in step with
// secondary-side jobs and clients. The secondary service has no webhooks,
// so a scheduled poll diffs its current state against the ledger's job
// records and writes only what changed.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"timebridge/ledger"
	"timebridge/primary"
	"timebridge/secondary"
)

// Poller runs one job/client synchronization pass per invocation. Runs are
// single-flight per trigger; the scheduler guarantees no overlap.
type Poller struct {
	Ledger          ledger.Store
	Primary         primary.API
	Secondary       secondary.API
	ExcludedClients map[string]struct{}
	ProjectColor    string
	RateType        string
	UserIDs         []int64
	LabelIDs        []int64
	Log             *slog.Logger

	Now func() time.Time
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// Result counts the write calls one pass produced. An unchanged upstream
// yields the zero Result.
type Result struct {
	ClientsCreated   int
	ProjectsCreated  int
	ProjectsUpdated  int
	ProjectsArchived int
}

func (r Result) changed() bool {
	return r != Result{}
}

// Run fetches the secondary state and reconciles the primary mirrors.
func (p *Poller) Run(ctx context.Context) (Result, error) {
	var clients []secondary.Client
	var jobs []secondary.Job
	err := p.Secondary.WithSession(ctx, func(s secondary.Session) error {
		var err error
		if clients, err = s.ListClients(ctx); err != nil {
			return fmt.Errorf("list secondary clients: %w", err)
		}
		if jobs, err = s.ListJobs(ctx, true); err != nil {
			return fmt.Errorf("list secondary jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	clients = p.filterClients(clients)
	jobs = p.filterJobs(jobs)

	var result Result
	clientMirrors, created, err := p.syncClients(ctx, clients, jobs)
	if err != nil {
		return result, err
	}
	result.ClientsCreated = created

	if err := p.syncJobs(ctx, jobs, clientMirrors, &result); err != nil {
		return result, err
	}

	if result.changed() {
		p.Log.Info("mirror pass applied changes",
			"clients_created", result.ClientsCreated,
			"projects_created", result.ProjectsCreated,
			"projects_updated", result.ProjectsUpdated,
			"projects_archived", result.ProjectsArchived)
	} else {
		p.Log.Info("mirror pass found no changes")
	}
	return result, nil
}

func (p *Poller) filterClients(clients []secondary.Client) []secondary.Client {
	kept := clients[:0]
	for _, client := range clients {
		if _, excluded := p.ExcludedClients[client.Code]; !excluded {
			kept = append(kept, client)
		}
	}
	return kept
}

func (p *Poller) filterJobs(jobs []secondary.Job) []secondary.Job {
	kept := jobs[:0]
	for _, job := range jobs {
		if _, excluded := p.ExcludedClients[job.ClientCode]; !excluded {
			kept = append(kept, job)
		}
	}
	return kept
}

// syncClients ensures every secondary client referenced by the poll has a
// primary mirror and returns secondary client id → primary client id.
func (p *Poller) syncClients(ctx context.Context, clients []secondary.Client, jobs []secondary.Job) (map[int64]int64, int, error) {
	existing, err := p.Primary.ListClients(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list primary clients: %w", err)
	}

	mirrors := make(map[int64]int64, len(existing))
	for _, client := range existing {
		if client.ExternalID != 0 {
			mirrors[client.ExternalID] = client.ID
		}
	}

	// Jobs can reference clients that the client listing misses; the job
	// row carries enough to mirror them too.
	wanted := make(map[int64]string, len(clients))
	for _, client := range clients {
		wanted[client.ID] = client.Name
	}
	for _, job := range jobs {
		if _, ok := wanted[job.ClientID]; !ok {
			wanted[job.ClientID] = job.ClientName
		}
	}

	var created int
	for id, name := range wanted {
		if _, ok := mirrors[id]; ok {
			continue
		}
		mirror, err := p.Primary.CreateClient(ctx, primary.ClientCreate{
			Name:       name,
			Active:     true,
			ExternalID: id,
		})
		if err != nil {
			return nil, created, fmt.Errorf("mirror client %d (%s): %w", id, name, err)
		}
		mirrors[id] = mirror.ID
		created++
		p.Log.Info("client mirrored", "secondary_client_id", id, "primary_client_id", mirror.ID)
	}
	return mirrors, created, nil
}

func (p *Poller) syncJobs(ctx context.Context, jobs []secondary.Job, clientMirrors map[int64]int64, result *Result) error {
	records, err := p.Ledger.ListJobRecords()
	if err != nil {
		return fmt.Errorf("list job records: %w", err)
	}
	known := make(map[int64]ledger.JobRecord, len(records))
	for _, rec := range records {
		known[rec.JobID] = rec
	}

	seen := make(map[int64]struct{}, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = struct{}{}
		rec, ok := known[job.ID]
		switch {
		case !ok:
			if err := p.createMirror(ctx, job, clientMirrors, result); err != nil {
				return err
			}
		case job.Revision > rec.LastSeenVersion:
			if err := p.updateMirror(ctx, job, rec, clientMirrors, result); err != nil {
				return err
			}
		}
		// Unchanged revision: zero writes.
	}

	// Jobs that vanished from the listing are treated as closed. The mirror
	// is archived, never deleted, to preserve reporting history.
	for _, rec := range records {
		if _, ok := seen[rec.JobID]; ok || rec.Status == ledger.JobStatusClosed {
			continue
		}
		if rec.PrimaryProjectID != 0 {
			if err := p.Primary.ArchiveProject(ctx, rec.PrimaryProjectID); err != nil {
				return fmt.Errorf("archive project %d for vanished job %d: %w", rec.PrimaryProjectID, rec.JobID, err)
			}
			result.ProjectsArchived++
		}
		rec.Status = ledger.JobStatusClosed
		if err := p.Ledger.PutJobRecord(rec); err != nil {
			return fmt.Errorf("close job record %d: %w", rec.JobID, err)
		}
	}
	return nil
}

func (p *Poller) createMirror(ctx context.Context, job secondary.Job, clientMirrors map[int64]int64, result *Result) error {
	clientID, ok := clientMirrors[job.ClientID]
	if !ok {
		return fmt.Errorf("job %d references client %d with no primary mirror", job.ID, job.ClientID)
	}

	users := make([]primary.ProjectUser, 0, len(p.UserIDs))
	for _, id := range p.UserIDs {
		users = append(users, primary.ProjectUser{UserID: id})
	}
	labels := make([]primary.ProjectLabel, 0, len(p.LabelIDs))
	for _, id := range p.LabelIDs {
		labels = append(labels, primary.ProjectLabel{LabelID: id})
	}
	enableLabels := ""
	if len(labels) > 0 {
		enableLabels = "custom"
	}

	project, err := p.Primary.CreateProject(ctx, primary.NewProject{
		Name:         mirrorName(job),
		ClientID:     clientID,
		Color:        p.ProjectColor,
		RateType:     p.RateType,
		Users:        users,
		Labels:       labels,
		EnableLabels: enableLabels,
		ExternalID:   job.ID,
	})
	if err != nil {
		return fmt.Errorf("mirror job %d (%s): %w", job.ID, job.Code, err)
	}
	result.ProjectsCreated++

	status := ledger.JobStatusOpen
	if job.Closed {
		if err := p.Primary.ArchiveProject(ctx, project.ID); err != nil {
			return fmt.Errorf("archive mirrored project %d: %w", project.ID, err)
		}
		result.ProjectsArchived++
		status = ledger.JobStatusClosed
	}

	if err := p.Ledger.PutJobRecord(ledger.JobRecord{
		JobID:            job.ID,
		JobCode:          job.Code,
		JobName:          job.Name,
		ClientID:         job.ClientID,
		ClientCode:       job.ClientCode,
		ClientName:       job.ClientName,
		PrimaryProjectID: project.ID,
		PrimaryClientID:  clientID,
		Status:           status,
		LastSeenVersion:  job.Revision,
	}); err != nil {
		return fmt.Errorf("store job record %d: %w", job.ID, err)
	}

	p.Log.Info("job mirrored", "job_id", job.ID, "project_id", project.ID, "status", status)
	return nil
}

func (p *Poller) updateMirror(ctx context.Context, job secondary.Job, rec ledger.JobRecord, clientMirrors map[int64]int64, result *Result) error {
	clientID := rec.PrimaryClientID
	if mapped, ok := clientMirrors[job.ClientID]; ok {
		clientID = mapped
	}

	if rec.PrimaryProjectID == 0 {
		// Record exists but the mirror was never created; treat as unseen.
		return p.createMirror(ctx, job, clientMirrors, result)
	}

	if err := p.Primary.UpdateProject(ctx, rec.PrimaryProjectID, primary.ProjectUpdate{
		Name:     mirrorName(job),
		ClientID: clientID,
	}); err != nil {
		return fmt.Errorf("update mirror for job %d: %w", job.ID, err)
	}
	result.ProjectsUpdated++

	status := rec.Status
	if job.Closed && rec.Status != ledger.JobStatusClosed {
		if err := p.Primary.ArchiveProject(ctx, rec.PrimaryProjectID); err != nil {
			return fmt.Errorf("archive mirror for closed job %d: %w", job.ID, err)
		}
		result.ProjectsArchived++
		status = ledger.JobStatusClosed
	}

	rec.JobCode = job.Code
	rec.JobName = job.Name
	rec.ClientID = job.ClientID
	rec.ClientCode = job.ClientCode
	rec.ClientName = job.ClientName
	rec.PrimaryClientID = clientID
	rec.Status = status
	rec.LastSeenVersion = job.Revision
	if err := p.Ledger.PutJobRecord(rec); err != nil {
		return fmt.Errorf("bump job record %d: %w", job.ID, err)
	}

	p.Log.Info("job mirror updated", "job_id", job.ID, "revision", job.Revision, "status", status)
	return nil
}

func mirrorName(job secondary.Job) string {
	if job.Code == "" {
		return job.Name
	}
	return fmt.Sprintf("%s - %s", job.Name, job.Code)
}
