package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"docsync/internal/models"
	"docsync/internal/syncerr"
)

// Memory is an in-process Store for tests and local development.
type Memory struct {
	mu           sync.Mutex
	pairings     map[string]models.Pairing
	destinations map[string]models.Destination
	runs         map[string]models.Run
	credentials  map[string]models.Credential
	audit        []models.AuditEvent

	// AuditErr, when set, is returned by AppendAudit.
	AuditErr error
	// UpdateCredentialErr, when set, is returned by UpdateCredential.
	UpdateCredentialErr error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		pairings:     map[string]models.Pairing{},
		destinations: map[string]models.Destination{},
		runs:         map[string]models.Run{},
		credentials:  map[string]models.Credential{},
	}
}

func (m *Memory) Close() {}

// PutPairing inserts or replaces a pairing.
func (m *Memory) PutPairing(p models.Pairing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairings[p.ID] = p
}

// PutDestination inserts or replaces a destination.
func (m *Memory) PutDestination(d models.Destination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destinations[d.ID] = d
}

// PutCredential inserts or replaces a credential.
func (m *Memory) PutCredential(c models.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[c.ID] = c
}

// PutRun inserts or replaces a run.
func (m *Memory) PutRun(r models.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
}

// Runs returns all runs of a pairing ordered by creation.
func (m *Memory) Runs(pairingID string) []models.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Run
	for _, r := range m.runs {
		if r.PairingID == pairingID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AuditEvents returns a copy of the audit log.
func (m *Memory) AuditEvents() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEvent(nil), m.audit...)
}

func (m *Memory) GetPairing(_ context.Context, id string) (models.Pairing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairings[id]
	if !ok {
		return models.Pairing{}, syncerr.Newf(syncerr.KindNotFound, "pairing %s not found", id)
	}
	return p, nil
}

func (m *Memory) DuePairings(_ context.Context, now time.Time) ([]models.Pairing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Pairing
	for _, p := range m.pairings {
		if p.IsDue(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PrunablePairings(_ context.Context, now time.Time) ([]models.Pairing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Pairing
	for _, p := range m.pairings {
		if p.IsPruneDue(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MarkPairingSuccess(_ context.Context, id string, docs int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairings[id]
	if !ok {
		return syncerr.Newf(syncerr.KindNotFound, "pairing %s not found", id)
	}
	p.TotalDocsIndexed += docs
	t := at
	p.LastSuccessfulIndexTime = &t
	p.InRepeatedErrorState = false
	p.UpdatedAt = at
	m.pairings[id] = p
	return nil
}

func (m *Memory) SetRepeatedErrorState(_ context.Context, id string, inError bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairings[id]
	if !ok {
		return syncerr.Newf(syncerr.KindNotFound, "pairing %s not found", id)
	}
	p.InRepeatedErrorState = inError
	m.pairings[id] = p
	return nil
}

func (m *Memory) MarkPruned(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairings[id]
	if !ok {
		return syncerr.Newf(syncerr.KindNotFound, "pairing %s not found", id)
	}
	t := at
	p.LastPruned = &t
	m.pairings[id] = p
	return nil
}

func (m *Memory) GetDestination(_ context.Context, id string) (models.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.destinations[id]
	if !ok {
		return models.Destination{}, syncerr.Newf(syncerr.KindNotFound, "destination %s not found", id)
	}
	return d, nil
}

func (m *Memory) CreateRun(_ context.Context, p CreateRunParams) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == "" {
		p.Status = models.RunNotStarted
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	if p.Status == models.RunInProgress {
		for _, existing := range m.runs {
			if existing.PairingID == p.PairingID && existing.Status == models.RunInProgress {
				return models.Run{}, syncerr.Newf(syncerr.KindRunInProgress, "pairing %s already has an in-progress run", p.PairingID)
			}
		}
	}
	r := models.Run{
		ID:            uuid.New().String(),
		PairingID:     p.PairingID,
		TaskID:        p.TaskID,
		Status:        p.Status,
		FromBeginning: p.FromBeginning,
		CreatedAt:     p.At,
		UpdatedAt:     p.At,
	}
	if p.Status == models.RunInProgress {
		t := p.At
		r.TimeStarted = &t
	}
	m.runs[r.ID] = r
	return r, nil
}

func (m *Memory) GetRun(_ context.Context, id string) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return models.Run{}, syncerr.Newf(syncerr.KindNotFound, "run %s not found", id)
	}
	return r, nil
}

func (m *Memory) InProgressRun(_ context.Context, pairingID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Run
	for _, r := range m.runs {
		if r.PairingID == pairingID && r.Status == models.RunInProgress {
			if found == nil || r.CreatedAt.After(found.CreatedAt) {
				cp := r
				found = &cp
			}
		}
	}
	return found, nil
}

func (m *Memory) RecordProgress(_ context.Context, id string, p models.RunProgress) error {
	return m.mutateLiveRun(id, func(r *models.Run) {
		r.CompletedBatches = p.CompletedBatches
		r.NewDocsIndexed = p.NewDocsIndexed
		r.TotalDocsIndexed = p.TotalDocsIndexed
		r.DocsRemoved = p.DocsRemoved
		t := p.At
		r.LastProgressTime = &t
		r.UpdatedAt = p.At
	})
}

func (m *Memory) Heartbeat(_ context.Context, id string, at time.Time) (int64, error) {
	var counter int64
	err := m.mutateLiveRun(id, func(r *models.Run) {
		r.HeartbeatCounter++
		t := at
		r.LastHeartbeatTime = &t
		r.UpdatedAt = at
		counter = r.HeartbeatCounter
	})
	return counter, err
}

func (m *Memory) SaveCheckpoint(_ context.Context, id string, checkpoint string) error {
	return m.mutateRun(id, func(r *models.Run) {
		cp := checkpoint
		r.CheckpointPointer = &cp
	})
}

func (m *Memory) CancellationRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, syncerr.Newf(syncerr.KindNotFound, "run %s not found", id)
	}
	return r.CancellationRequested, nil
}

func (m *Memory) RequestCancellation(_ context.Context, id string) error {
	return m.mutateRun(id, func(r *models.Run) {
		r.CancellationRequested = true
	})
}

func (m *Memory) FinishRun(_ context.Context, id string, f models.RunFinish) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, syncerr.Newf(syncerr.KindNotFound, "run %s not found", id)
	}
	if !r.Status.CanTransition(f.Status) {
		return false, nil
	}
	if f.ExpectHeartbeat != nil && r.HeartbeatCounter != *f.ExpectHeartbeat {
		return false, nil
	}
	r.Status = f.Status
	if f.ErrorMsg != "" {
		msg := f.ErrorMsg
		r.ErrorMsg = &msg
	}
	r.UpdatedAt = f.At
	m.runs[id] = r
	return true, nil
}

func (m *Memory) ResumableCheckpoint(_ context.Context, pairingID string, since *time.Time) (*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *models.Run
	for _, r := range m.runs {
		if r.PairingID != pairingID || r.CheckpointPointer == nil {
			continue
		}
		if r.Status != models.RunFailed && r.Status != models.RunCanceled {
			continue
		}
		if since != nil && !r.CreatedAt.After(*since) {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			cp := r
			newest = &cp
		}
	}
	if newest == nil {
		return nil, nil
	}
	return newest.CheckpointPointer, nil
}

func (m *Memory) InProgressRunsCreatedBefore(_ context.Context, cutoff time.Time) ([]models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Run
	for _, r := range m.runs {
		if r.Status == models.RunInProgress && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) PairingsWithFailures(_ context.Context, since time.Time, threshold int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, r := range m.runs {
		if r.Status == models.RunFailed && !r.UpdatedAt.Before(since) {
			counts[r.PairingID]++
		}
	}
	var out []string
	for id, n := range counts {
		if n >= threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) GetCredential(_ context.Context, id string) (models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return models.Credential{}, syncerr.Newf(syncerr.KindNotFound, "credential %s not found", id)
	}
	return c, nil
}

func (m *Memory) UpdateCredential(_ context.Context, c models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateCredentialErr != nil {
		return m.UpdateCredentialErr
	}
	if _, ok := m.credentials[c.ID]; !ok {
		return syncerr.Newf(syncerr.KindNotFound, "credential %s not found", c.ID)
	}
	c.UpdatedAt = time.Now().UTC()
	m.credentials[c.ID] = c
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AuditErr != nil {
		return m.AuditErr
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) mutateLiveRun(id string, fn func(r *models.Run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return syncerr.Newf(syncerr.KindNotFound, "run %s not found", id)
	}
	if r.Status != models.RunInProgress {
		return ErrRunNotLive
	}
	fn(&r)
	m.runs[id] = r
	return nil
}

func (m *Memory) mutateRun(id string, fn func(r *models.Run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return syncerr.Newf(syncerr.KindNotFound, "run %s not found", id)
	}
	fn(&r)
	m.runs[id] = r
	return nil
}
