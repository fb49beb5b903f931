package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/lock"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/notify"
	"github.com/timmy/genflow/internal/provider"
	"github.com/timmy/genflow/internal/repository"
)

const (
	testUser  = "user-1"
	testModel = "test-image"
)

// fakeAdapter hands out sequential task IDs and serves scripted statuses.
type fakeAdapter struct {
	mu         sync.Mutex
	created    int
	createErrs map[int]error
	statuses   map[string]*provider.TaskStatus
	statusErrs map[string]error
	panicOn    map[string]bool
	polls      map[string]int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		createErrs: make(map[int]error),
		statuses:   make(map[string]*provider.TaskStatus),
		statusErrs: make(map[string]error),
		panicOn:    make(map[string]bool),
		polls:      make(map[string]int),
	}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) CreateTask(_ context.Context, _ *provider.CreateTaskInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.created
	f.created++
	if err := f.createErrs[n]; err != nil {
		return "", err
	}
	return fmt.Sprintf("ext-%d", n+1), nil
}

func (f *fakeAdapter) GetTaskStatus(_ context.Context, id string) (*provider.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[id]++
	if f.panicOn[id] {
		panic("adapter exploded")
	}
	if err := f.statusErrs[id]; err != nil {
		return nil, err
	}
	if st, ok := f.statuses[id]; ok {
		return st, nil
	}
	return &provider.TaskStatus{State: provider.TaskStateProcessing}, nil
}

func (f *fakeAdapter) set(id string, st *provider.TaskStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = st
}

func (f *fakeAdapter) pollCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[id]
}

func (f *fakeAdapter) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// fakeRelocator fails the first failures calls, then returns a stored URL.
type fakeRelocator struct {
	failures int32
	calls    int32
}

func (f *fakeRelocator) Relocate(_ context.Context, req RelocateRequest) (*Relocated, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return nil, fmt.Errorf("%w: upstream reset", domain.ErrRelocation)
	}
	key := fmt.Sprintf("generations/%s/%s/%s.png", req.UserID, req.JobID, req.SubTaskID)
	return &Relocated{URL: "https://cdn.test/" + key, Key: key, ContentType: "image/png"}, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs map[string][]notify.Message
}

func (p *recordingPublisher) Publish(userID string, msg notify.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][]notify.Message)
	}
	p.msgs[userID] = append(p.msgs[userID], msg)
}

func (p *recordingPublisher) count(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs[userID])
}

type recordingAlerts struct {
	mu    sync.Mutex
	texts []string
}

func (a *recordingAlerts) SendAlert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return nil
}

func (a *recordingAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.texts)
}

type testEnv struct {
	db            *gorm.DB
	jobs          *repository.JobRepository
	notifications *repository.NotificationRepository
	ledger        *LedgerService
	notifier      *NotifierService
	publisher     *recordingPublisher
	alerts        *recordingAlerts
	adapter       *fakeAdapter
	relocator     *fakeRelocator
	registry      *provider.Registry
	reconciler    *ReconcilerService
	generation    *GenerationService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	})
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	log := logger.GetDefault()

	env := &testEnv{
		db:            db,
		jobs:          repository.NewJobRepository(db),
		notifications: repository.NewNotificationRepository(db),
		publisher:     &recordingPublisher{},
		alerts:        &recordingAlerts{},
		adapter:       newFakeAdapter(),
		relocator:     &fakeRelocator{},
		registry:      provider.NewRegistry(),
	}
	env.ledger = NewLedgerService(db, repository.NewCreditRepository(db), log)
	env.notifier = NewNotifierService(env.notifications, env.publisher, env.alerts, NotifierConfig{
		LowBalanceThreshold: 50,
		PublicBaseURL:       "https://app.test",
	}, log)
	env.registry.Register(&provider.Route{
		ModelKey:      testModel,
		Adapter:       env.adapter,
		ProviderModel: "provider-image",
		Kind:          domain.JobKindImage,
		Credits:       20,
	})
	env.reconciler = NewReconcilerService(db, env.jobs, env.ledger, env.registry, env.relocator,
		env.notifier, lock.NewMemoryLocker(), log, &ReconcilerConfig{
			Workers:        4,
			BatchSize:      100,
			SubTaskTimeout: 10 * time.Minute,
		})
	env.generation = NewGenerationService(db, env.jobs, env.ledger, env.registry, env.notifier, log, &GenerationConfig{})
	t.Cleanup(env.notifier.Wait)
	return env
}

func (e *testEnv) grant(t *testing.T, amount int) {
	t.Helper()
	if _, err := e.ledger.Grant(context.Background(), testUser, amount, domain.TransactionTypeBonus, "test grant"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func (e *testEnv) submit(t *testing.T, quantity int) *domain.Job {
	t.Helper()
	job, err := e.generation.Submit(context.Background(), &SubmitRequest{
		UserID:   testUser,
		ModelKey: testModel,
		Prompt:   "a lighthouse at dusk",
		Quantity: quantity,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

func (e *testEnv) balance(t *testing.T) int {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

func (e *testEnv) reload(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	job, err := e.jobs.GetWithSubTasks(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetWithSubTasks: %v", err)
	}
	return job
}

func (e *testEnv) countNotifications(t *testing.T, kind domain.NotificationKind) int {
	t.Helper()
	var n int64
	if err := e.db.Model(&domain.Notification{}).Where("user_id = ? AND kind = ?", testUser, kind).Count(&n).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	return int(n)
}

func (e *testEnv) countRefunds(t *testing.T) int {
	t.Helper()
	var n int64
	err := e.db.Model(&domain.CreditTransaction{}).
		Where("user_id = ? AND type = ?", testUser, domain.TransactionTypeRefund).Count(&n).Error
	if err != nil {
		t.Fatalf("count refunds: %v", err)
	}
	return int(n)
}

func (e *testEnv) assertLedgerConsistent(t *testing.T) {
	t.Helper()
	audit, err := e.ledger.VerifyBalance(context.Background(), testUser)
	if err != nil {
		t.Fatalf("VerifyBalance: %v", err)
	}
	if !audit.Consistent {
		t.Errorf("ledger sum %d != cached balance %d", audit.Ledger, audit.Cached)
	}
}

func assertSubTaskInvariants(t *testing.T, job *domain.Job) {
	t.Helper()
	if job.CompletedSubtasks+job.FailedSubtasks > job.TotalSubtasks {
		t.Errorf("counters %d+%d exceed total %d", job.CompletedSubtasks, job.FailedSubtasks, job.TotalSubtasks)
	}
	for _, st := range job.SubTasks {
		if (st.Status == domain.SubTaskStatusCompleted) != (st.ResultURL != "") {
			t.Errorf("subtask %s: status %s with result_url %q", st.ID, st.Status, st.ResultURL)
		}
		if (st.Status == domain.SubTaskStatusFailed) != (st.ErrorMessage != "") {
			t.Errorf("subtask %s: status %s with error_message %q", st.ID, st.Status, st.ErrorMessage)
		}
	}
}

func subTaskByExternalID(t *testing.T, job *domain.Job, externalID string) domain.SubTask {
	t.Helper()
	for _, st := range job.SubTasks {
		if st.ExternalTaskID == externalID {
			return st
		}
	}
	t.Fatalf("no subtask with external id %s", externalID)
	return domain.SubTask{}
}
