package importer

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vendorregistry/importer/internal/events"
	"github.com/vendorregistry/importer/internal/lock"
	"github.com/vendorregistry/importer/internal/store"
	"github.com/vendorregistry/importer/internal/vendor"
)

// fakeRuns mirrors the SQL guards of store.RunStore in memory.
type fakeRuns struct {
	mu        sync.Mutex
	nextID    int64
	runs      map[int64]store.Run
	progress  []int
	createErr error
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: make(map[int64]store.Run)}
}

func (f *fakeRuns) Create(_ context.Context, n store.NewRun) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return store.Run{}, f.createErr
	}
	for _, r := range f.runs {
		if r.Fingerprint == n.Fingerprint {
			return store.Run{}, store.ErrFingerprintConflict
		}
	}

	f.nextID++
	now := time.Now()
	r := store.Run{
		ID:          f.nextID,
		Filename:    n.Filename,
		Fingerprint: n.Fingerprint,
		TotalRows:   n.TotalRows,
		Status:      store.StatusPending,
		CreatedBy:   n.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.runs[r.ID] = r
	return r, nil
}

func (f *fakeRuns) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	delete(f.runs, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuns) Get(_ context.Context, id int64) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.runs[id]
	if !ok {
		return store.Run{}, store.ErrRunNotFound
	}
	return r, nil
}

func boundProgress(r store.Run, processed int) int {
	if processed > r.TotalRows {
		processed = r.TotalRows
	}
	if processed < r.ProcessedRows {
		processed = r.ProcessedRows
	}
	return processed
}

func (f *fakeRuns) UpdateProgress(_ context.Context, id int64, processed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.progress = append(f.progress, processed)
	r, ok := f.runs[id]
	if !ok || r.Status.Terminal() {
		return nil
	}
	r.ProcessedRows = boundProgress(r, processed)
	r.UpdatedAt = time.Now()
	f.runs[id] = r
	return nil
}

func (f *fakeRuns) SetStatus(_ context.Context, id int64, u store.StatusUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.runs[id]
	if !ok || r.Status.Terminal() {
		return false, nil
	}
	r.Status = u.Status
	if u.Processed != nil {
		r.ProcessedRows = boundProgress(r, *u.Processed)
	}
	if u.Error != "" {
		r.ErrorMessage = u.Error
	}
	r.UpdatedAt = time.Now()
	f.runs[id] = r
	return true, nil
}

func (f *fakeRuns) Cancel(_ context.Context, id int64) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.runs[id]
	if !ok {
		return store.Run{}, store.ErrRunNotFound
	}
	if r.Status.Terminal() {
		return r, store.ErrRunTerminal
	}
	r.Status = store.StatusCancelled
	r.UpdatedAt = time.Now()
	f.runs[id] = r
	return r, nil
}

func (f *fakeRuns) ListStale(_ context.Context, olderThan time.Time) ([]store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []store.Run
	for _, r := range f.runs {
		if !r.Status.Terminal() && r.UpdatedAt.Before(olderThan) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeRuns) ListRecent(_ context.Context, limit int) ([]store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]store.Run, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRuns) run(t *testing.T, id int64) store.Run {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	require.True(t, ok, "run %d not found", id)
	return r
}

func (f *fakeRuns) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeRuns) progressCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.progress...)
}

// fakeVendors is an upsert-by-email record store. hook, when set, runs
// before batch n (1-based) is applied; an error aborts that batch.
type fakeVendors struct {
	mu      sync.Mutex
	batches [][]vendor.Record
	byEmail map[string]vendor.Record
	hook    func(n int) error
}

func newFakeVendors() *fakeVendors {
	return &fakeVendors{byEmail: make(map[string]vendor.Record)}
}

func (f *fakeVendors) ApplyBatch(_ context.Context, records []vendor.Record) (store.BatchResult, error) {
	f.mu.Lock()
	n := len(f.batches) + 1
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return store.BatchResult{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var res store.BatchResult
	for _, rec := range records {
		if _, ok := f.byEmail[rec.Email]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		f.byEmail[rec.Email] = rec
	}
	f.batches = append(f.batches, append([]vendor.Record(nil), records...))
	return res, nil
}

func (f *fakeVendors) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (f *fakeVendors) record(email string) (vendor.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byEmail[email]
	return r, ok
}

func (f *fakeVendors) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byEmail)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc     *Service
	locks   *lock.Manager
	clock   *fakeClock
	runs    *fakeRuns
	vendors *fakeVendors
	events  *recordingPublisher
	dir     string
}

func newHarness(t *testing.T, tune ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		clock:   &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		runs:    newFakeRuns(),
		vendors: newFakeVendors(),
		events:  &recordingPublisher{},
		dir:     t.TempDir(),
	}
	h.locks = lock.NewManager(lock.NewMemoryStore(), "test:lock:", lock.WithClock(h.clock.Now))

	opts := Options{BatchSize: 100, WorkDir: h.dir}
	for _, fn := range tune {
		fn(&opts)
	}
	h.svc = NewService(h.locks, h.runs, h.vendors, opts, WithPublisher(h.events))
	return h
}

func (h *harness) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	require.Empty(t, entries, "staged files must never be left behind")
}

func (h *harness) assertUnlocked(t *testing.T) {
	t.Helper()
	locked, err := h.locks.IsLocked(context.Background(), h.svc.LockName())
	require.NoError(t, err)
	require.False(t, locked, "import lock must be released")
}

const csvHeader = "email,name,skills,rate,currency,avg_rating,completed_projects,plan_code"

func vendorCSV(rows ...string) string {
	var b strings.Builder
	b.WriteString(csvHeader)
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(r)
		b.WriteString("\n")
	}
	return b.String()
}

func validRows(n int) []string {
	rows := make([]string, n)
	for i := range rows {
		rows[i] = fmt.Sprintf("v%d@x.com,Vendor %d,\"Go, SQL\",%d,USD,4,%d,basic", i, i, 10+i, i)
	}
	return rows
}
