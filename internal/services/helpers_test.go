package services_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"smartborrow/internal/database"
	"smartborrow/internal/lock"
	"smartborrow/internal/logging"
	"smartborrow/internal/models"
	"smartborrow/internal/notify"
	"smartborrow/internal/repositories"
	"smartborrow/internal/services"
)

func TestMain(m *testing.M) {
	logging.Silence()
	os.Exit(m.Run())
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Notify(msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) all() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.msgs...)
}

func (n *recordingNotifier) last(t *testing.T) notify.Message {
	t.Helper()
	msgs := n.all()
	require.NotEmpty(t, msgs, "no notification sent")
	return msgs[len(msgs)-1]
}

// testEnv is an isolated in-memory database with the workflow wired on top.
type testEnv struct {
	db       *gorm.DB
	users    repositories.UserRepository
	items    repositories.ItemRepository
	requests repositories.RequestRepository
	records  repositories.RecordRepository
	notifier *recordingNotifier
	svc      services.BorrowService

	mu  sync.Mutex
	now time.Time
}

// day0 is the first day of every scenario.
var day0 = time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	env := &testEnv{
		db:       db,
		users:    repositories.NewUserRepository(db),
		items:    repositories.NewItemRepository(db),
		requests: repositories.NewRequestRepository(db),
		records:  repositories.NewRecordRepository(db),
		notifier: &recordingNotifier{},
		now:      day0,
	}
	env.svc = services.NewBorrowService(db, env.users, env.items, env.requests, env.records,
		lock.NewLocal(), env.notifier,
		services.WithClock(env.clock),
	)
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(days int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.AddDate(0, 0, days)
}

func (e *testEnv) student(t *testing.T, id string) *models.User {
	t.Helper()
	u := &models.User{
		ID:           id,
		Name:         "Student " + id,
		Email:        id + "@uni.example",
		PasswordHash: "unused",
		Role:         models.UserRoleStudent,
		Student:      models.StudentProfile{CardType: models.CardTypeStudentCard, BirthYear: 2004},
	}
	require.NoError(t, e.users.Create(nil, u))
	return u
}

func (e *testEnv) item(t *testing.T, id string, qty int) *models.Item {
	t.Helper()
	it, err := e.svc.CreateItem(t.Context(), id, "Item "+id, "AV", qty)
	require.NoError(t, err)
	return it
}

func (e *testEnv) available(t *testing.T, itemID string) int {
	t.Helper()
	it, err := e.items.GetByID(nil, itemID)
	require.NoError(t, err)
	return it.AvailableQty
}

func (e *testEnv) activeCount(t *testing.T) int {
	t.Helper()
	recs, err := e.records.ListActive(nil)
	require.NoError(t, err)
	return len(recs)
}

// borrow submits and approves a NEW_BORROW, returning the new record.
func (e *testEnv) borrow(t *testing.T, userID, itemID string) *models.BorrowRecord {
	t.Helper()
	req, err := e.svc.SubmitRequest(t.Context(), userID, itemID, models.RequestKindNewBorrow, 0)
	require.NoError(t, err)
	res, err := e.svc.ResolveRequest(t.Context(), req.ID, models.DecisionApprove)
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	return res.Record
}

func sameDay(t *testing.T, want, got time.Time) {
	t.Helper()
	require.Equal(t, want.Format(time.DateOnly), got.UTC().Format(time.DateOnly))
}
