package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// In-memory ports for service tests. They mirror the store semantics the
// services rely on (state machine, window reset, due-set ordering) without a
// database.

type fakeJobStore struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	snapshots []domain.Job
}

func newFakeJobStore(jobs ...domain.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: map[string]domain.Job{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) Create(_ domain.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return domain.ErrConflict
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *fakeJobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (s *fakeJobStore) Update(_ domain.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return domain.ErrNotFound
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *fakeJobStore) SetActive(_ domain.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.IsActive = active
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *fakeJobStore) List(_ domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if f.IsActive != nil && j.IsActive != *f.IsActive {
			continue
		}
		if f.WorkerID != "" && j.WorkerID != f.WorkerID {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *fakeJobStore) SnapshotVersion(_ domain.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, j)
	return nil
}

func (s *fakeJobStore) RecordFailure(_ domain.Context, id string, at time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if j.LastFailureAt != nil && at.Sub(*j.LastFailureAt) > window {
		j.ConsecutiveFailures = 1
	} else {
		j.ConsecutiveFailures++
	}
	t := at
	j.LastFailureAt = &t
	s.jobs[id] = j
	return j.ConsecutiveFailures, nil
}

func (s *fakeJobStore) ResetFailures(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.ConsecutiveFailures = 0
	j.LastFailureAt = nil
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) get(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

type fakeOccStore struct {
	mu        sync.Mutex
	occs      map[string]domain.Occurrence
	logs      map[string][]domain.OccurrenceLog
	createErr error
	applyErr  error
}

func newFakeOccStore(occs ...domain.Occurrence) *fakeOccStore {
	s := &fakeOccStore{occs: map[string]domain.Occurrence{}, logs: map[string][]domain.OccurrenceLog{}}
	for _, o := range occs {
		s.occs[o.ID] = o
	}
	return s
}

func (s *fakeOccStore) Create(_ domain.Context, o domain.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.occs[o.ID]; ok {
		return domain.ErrConflict
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.StatusHistory = append(o.StatusHistory, domain.StatusChange{Status: o.Status, At: o.CreatedAt})
	s.occs[o.ID] = o
	return nil
}

func (s *fakeOccStore) Get(_ domain.Context, id string) (domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occs[id]
	if !ok {
		return domain.Occurrence{}, fmt.Errorf("occurrence %s: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

func (s *fakeOccStore) ApplyStatus(_ domain.Context, u domain.StatusUpdate) (domain.Occurrence, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return domain.Occurrence{}, false, s.applyErr
	}
	cur, ok := s.occs[u.OccurrenceID]
	if !ok {
		return domain.Occurrence{}, false, fmt.Errorf("occurrence %s: %w", u.OccurrenceID, domain.ErrNotFound)
	}
	if cur.Status == u.Status {
		return cur, false, nil
	}
	if !domain.CanTransition(cur.Status, u.Status) {
		return cur, false, fmt.Errorf("%s -> %s: %w", cur.Status, u.Status, domain.ErrStateViolation)
	}
	next := cur
	next.Status = u.Status
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if u.Status == domain.OccurrenceRunning {
		start := at
		if u.StartedAt != nil {
			start = *u.StartedAt
		}
		next.StartedAt = &start
	}
	if u.Status.Terminal() {
		end := at
		if u.EndedAt != nil {
			end = *u.EndedAt
		}
		next.EndedAt = &end
		if u.DurationMs != nil {
			next.DurationMs = u.DurationMs
		} else if next.StartedAt != nil {
			ms := end.Sub(*next.StartedAt).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			next.DurationMs = &ms
		}
	}
	if u.Result != nil {
		next.Result = u.Result
	}
	if u.Exception != nil {
		next.Exception = u.Exception
	}
	next.UpdatedAt = at
	next.StatusHistory = append(append([]domain.StatusChange{}, cur.StatusHistory...), domain.StatusChange{Status: u.Status, At: at})
	s.occs[u.OccurrenceID] = next
	return next, true, nil
}

func (s *fakeOccStore) CountNonTerminal(_ domain.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.occs {
		if o.JobID == jobID && !o.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *fakeOccStore) LatestNonTerminal(_ domain.Context, jobID string) (domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest domain.Occurrence
	found := false
	for _, o := range s.occs {
		if o.JobID != jobID || o.Status.Terminal() {
			continue
		}
		if !found || o.CreatedAt.After(latest.CreatedAt) {
			latest = o
			found = true
		}
	}
	if !found {
		return domain.Occurrence{}, domain.ErrNotFound
	}
	return latest, nil
}

func (s *fakeOccStore) ListByJob(_ domain.Context, jobID string, limit, offset int) ([]domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Occurrence
	for _, o := range s.occs {
		if o.JobID == jobID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeOccStore) ListQueuedBefore(_ domain.Context, cutoff time.Time, limit int) ([]domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Occurrence
	for _, o := range s.occs {
		if o.Status == domain.OccurrenceQueued && o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeOccStore) ListRunningStale(_ domain.Context, cutoff time.Time, limit int) ([]domain.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Occurrence
	for _, o := range s.occs {
		if o.Status != domain.OccurrenceRunning {
			continue
		}
		beat := o.CreatedAt
		if o.StartedAt != nil {
			beat = *o.StartedAt
		}
		if o.LastHeartbeatAt != nil {
			beat = *o.LastHeartbeatAt
		}
		if beat.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeOccStore) TouchHeartbeat(_ domain.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occs[id]
	if !ok {
		return domain.ErrNotFound
	}
	t := at
	o.LastHeartbeatAt = &t
	s.occs[id] = o
	return nil
}

func (s *fakeOccStore) AppendLog(_ domain.Context, l domain.OccurrenceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[l.OccurrenceID] = append(s.logs[l.OccurrenceID], l)
	return nil
}

func (s *fakeOccStore) ListLogs(_ domain.Context, occurrenceID string, limit int) ([]domain.OccurrenceLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.OccurrenceLog{}, s.logs[occurrenceID]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeOccStore) DeleteTerminalBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, o := range s.occs {
		if o.Status.Terminal() && o.CreatedAt.Before(cutoff) {
			delete(s.occs, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeOccStore) get(id string) domain.Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occs[id]
}

func (s *fakeOccStore) byJob(jobID string) []domain.Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Occurrence
	for _, o := range s.occs {
		if o.JobID == jobID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

type fakeFailedStore struct {
	mu   sync.Mutex
	rows map[string]domain.FailedOccurrence
}

func newFakeFailedStore() *fakeFailedStore {
	return &fakeFailedStore{rows: map[string]domain.FailedOccurrence{}}
}

func (s *fakeFailedStore) Create(_ domain.Context, f domain.FailedOccurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.OccurrenceID == f.OccurrenceID {
			return fmt.Errorf("occurrence %s already projected: %w", f.OccurrenceID, domain.ErrConflict)
		}
	}
	s.rows[f.ID] = f
	return nil
}

func (s *fakeFailedStore) Get(_ domain.Context, id string) (domain.FailedOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.rows[id]
	if !ok {
		return domain.FailedOccurrence{}, domain.ErrNotFound
	}
	return f, nil
}

func (s *fakeFailedStore) List(_ domain.Context, onlyUnresolved bool, limit, offset int) ([]domain.FailedOccurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FailedOccurrence
	for _, f := range s.rows {
		if onlyUnresolved && f.Resolved {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (s *fakeFailedStore) Resolve(_ domain.Context, id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	f.Resolved = true
	f.ResolutionNote = &note
	f.ResolvedAt = &now
	s.rows[id] = f
	return nil
}

func (s *fakeFailedStore) all() []domain.FailedOccurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.FailedOccurrence
	for _, f := range s.rows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

type fakeWorkerStore struct {
	mu      sync.Mutex
	workers map[string]domain.WorkerInfo
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{workers: map[string]domain.WorkerInfo{}}
}

func (s *fakeWorkerStore) UpsertRegistration(_ domain.Context, w domain.WorkerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.workers[w.WorkerID]; ok {
		w.CurrentJobs = cur.CurrentJobs
		w.LastHeartbeatAt = cur.LastHeartbeatAt
		w.RegisteredAt = cur.RegisteredAt
	}
	w.Shutdown = false
	s.workers[w.WorkerID] = w
	return nil
}

func (s *fakeWorkerStore) RecordHeartbeat(_ domain.Context, workerID string, currentJobs, maxParallel int, shutdown bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workers[workerID]
	w.WorkerID = workerID
	w.CurrentJobs = currentJobs
	w.MaxParallelJobs = maxParallel
	w.Shutdown = shutdown
	t := at
	w.LastHeartbeatAt = &t
	w.UpdatedAt = at
	s.workers[workerID] = w
	return nil
}

func (s *fakeWorkerStore) Get(_ domain.Context, workerID string) (domain.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return domain.WorkerInfo{}, fmt.Errorf("worker %s: %w", workerID, domain.ErrNotFound)
	}
	return w, nil
}

func (s *fakeWorkerStore) List(_ domain.Context) ([]domain.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkerInfo
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].WorkerID < out[k].WorkerID })
	return out, nil
}

// fakeKV implements domain.KV in memory.
type fakeKV struct {
	mu           sync.Mutex
	due          map[string]time.Time
	cache        map[string]domain.Job
	locks        map[string]string
	leader       string
	running      map[string]string
	runningAt    map[string]time.Time
	instances    map[string]map[string]time.Time
	workerInfo   map[string]map[string]string
	disabled     bool
	published    []domain.CancellationRequest
	subscription chan domain.CancellationRequest
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		due:        map[string]time.Time{},
		cache:      map[string]domain.Job{},
		locks:      map[string]string{},
		running:    map[string]string{},
		runningAt:  map[string]time.Time{},
		instances:  map[string]map[string]time.Time{},
		workerInfo: map[string]map[string]string{},
	}
}

func (k *fakeKV) ScheduleJob(_ domain.Context, j domain.Job, at time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.due[j.ID] = at
	k.cache[j.ID] = j
	return nil
}

func (k *fakeKV) UnscheduleJob(_ domain.Context, jobID string, evict bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.due, jobID)
	if evict {
		delete(k.cache, jobID)
	}
	return nil
}

func (k *fakeKV) DueJobIDs(_ domain.Context, until time.Time, limit int64) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	type entry struct {
		id string
		at time.Time
	}
	var entries []entry
	for id, at := range k.due {
		if !at.After(until) {
			entries = append(entries, entry{id, at})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	var out []string
	for _, e := range entries {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, e.id)
	}
	return out, nil
}

func (k *fakeKV) CachedJob(_ domain.Context, jobID string) (domain.Job, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	j, ok := k.cache[jobID]
	return j, ok, nil
}

func (k *fakeKV) RefreshCache(_ domain.Context, j domain.Job) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cache[j.ID] = j
	return nil
}

func (k *fakeKV) AcquireLock(_ domain.Context, key string, _ time.Duration) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, held := k.locks[key]; held {
		return "", false, nil
	}
	token := domain.NewLockToken()
	k.locks[key] = token
	return token, true, nil
}

func (k *fakeKV) ReleaseLock(_ domain.Context, key, token string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks[key] == token {
		delete(k.locks, key)
	}
	return nil
}

func (k *fakeKV) AcquireLeadership(_ domain.Context, instanceID string, _ time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.leader == "" || k.leader == instanceID {
		k.leader = instanceID
		return true, nil
	}
	return false, nil
}

func (k *fakeKV) RenewLeadership(_ domain.Context, instanceID string, _ time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.leader == instanceID, nil
}

func (k *fakeKV) MarkRunning(_ domain.Context, jobID, occurrenceID string, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running[jobID] = occurrenceID
	k.runningAt[jobID] = time.Now().UTC()
	return nil
}

func (k *fakeKV) RunningOccurrence(_ domain.Context, jobID string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	occ, ok := k.running[jobID]
	return occ, ok, nil
}

func (k *fakeKV) ClearRunning(_ domain.Context, jobID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.running, jobID)
	delete(k.runningAt, jobID)
	return nil
}

func (k *fakeKV) StaleRunningMarkers(_ domain.Context, maxAge time.Duration) (map[string]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := map[string]string{}
	cutoff := time.Now().UTC().Add(-maxAge)
	for jobID, at := range k.runningAt {
		if at.Before(cutoff) {
			out[jobID] = k.running[jobID]
		}
	}
	return out, nil
}

func (k *fakeKV) RegisterWorkerInstance(_ domain.Context, workerID, instanceID string, ttl time.Duration, _ map[string]string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.instances[workerID] == nil {
		k.instances[workerID] = map[string]time.Time{}
	}
	k.instances[workerID][instanceID] = time.Now().UTC().Add(ttl)
	return nil
}

func (k *fakeKV) TouchWorkerInstance(_ domain.Context, workerID, instanceID string, ttl time.Duration) error {
	return k.RegisterWorkerInstance(nil, workerID, instanceID, ttl, nil)
}

func (k *fakeKV) LiveInstances(_ domain.Context, workerID string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now().UTC()
	var out []string
	for id, deadline := range k.instances[workerID] {
		if deadline.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (k *fakeKV) SetWorkerInfo(_ domain.Context, workerID string, fields map[string]string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.workerInfo[workerID] == nil {
		k.workerInfo[workerID] = map[string]string{}
	}
	for f, v := range fields {
		k.workerInfo[workerID][f] = v
	}
	return nil
}

func (k *fakeKV) DispatcherDisabled(_ domain.Context) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.disabled, nil
}

func (k *fakeKV) SetDispatcherDisabled(_ domain.Context, disabled bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.disabled = disabled
	return nil
}

func (k *fakeKV) PublishCancellation(_ domain.Context, req domain.CancellationRequest) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.published = append(k.published, req)
	if k.subscription != nil {
		select {
		case k.subscription <- req:
		default:
		}
	}
	return nil
}

func (k *fakeKV) SubscribeCancellations(_ domain.Context) (<-chan domain.CancellationRequest, func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch := make(chan domain.CancellationRequest, 8)
	k.subscription = ch
	return ch, func() {}, nil
}

func (k *fakeKV) Ping(_ domain.Context) error { return nil }

func (k *fakeKV) dueAt(jobID string) (time.Time, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	at, ok := k.due[jobID]
	return at, ok
}

func (k *fakeKV) cached(jobID string) (domain.Job, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	j, ok := k.cache[jobID]
	return j, ok
}

type publishedJob struct {
	Job        domain.Job
	Occurrence domain.Occurrence
	RoutingKey string
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedJob
	err       error
}

func (p *fakePublisher) PublishJob(_ domain.Context, job domain.Job, occ domain.Occurrence, routingKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedJob{job, occ, routingKey})
	return nil
}

func (p *fakePublisher) all() []publishedJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedJob{}, p.published...)
}

type fakeDLQ struct {
	mu        sync.Mutex
	published []domain.FailedOccurrence
}

func (p *fakeDLQ) PublishFailedOccurrence(_ domain.Context, f domain.FailedOccurrence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, f)
	return nil
}

type fakeEvents struct {
	mu      sync.Mutex
	created []domain.Occurrence
	updated []domain.Occurrence
}

func (e *fakeEvents) OccurrenceCreated(_ domain.Context, o domain.Occurrence) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, o)
	return nil
}

func (e *fakeEvents) OccurrenceUpdated(_ domain.Context, o domain.Occurrence) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updated = append(e.updated, o)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	disabled  []string
	reEnabled []string
}

func (n *fakeNotifier) JobAutoDisabled(_ domain.Context, j domain.Job, _ int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled = append(n.disabled, j.ID)
	return nil
}

func (n *fakeNotifier) JobReEnabled(_ domain.Context, j domain.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reEnabled = append(n.reEnabled, j.ID)
	return nil
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }
