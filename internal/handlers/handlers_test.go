package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartborrow/internal/database"
	"smartborrow/internal/handlers"
	"smartborrow/internal/lock"
	"smartborrow/internal/logging"
	"smartborrow/internal/metrics"
	"smartborrow/internal/models"
	"smartborrow/internal/notify"
	"smartborrow/internal/repositories"
	"smartborrow/internal/services"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logging.Silence()
	os.Exit(m.Run())
}

type nopNotifier struct{}

func (nopNotifier) Notify(notify.Message) {}

type api struct {
	t      *testing.T
	router *gin.Engine

	mu  sync.Mutex
	now time.Time
}

func (a *api) clock() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now
}

func (a *api) advance(days int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = a.now.AddDate(0, 0, days)
}

func newAPI(t *testing.T) *api {
	t.Helper()

	db, err := database.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	a := &api{t: t, now: time.Now().UTC()}
	users := repositories.NewUserRepository(db)
	m := metrics.New()
	borrow := services.NewBorrowService(db, users,
		repositories.NewItemRepository(db),
		repositories.NewRequestRepository(db),
		repositories.NewRecordRepository(db),
		lock.NewLocal(), nopNotifier{},
		services.WithMetrics(m),
		services.WithClock(a.clock),
	)
	accounts := services.NewAccountService(db, users, nopNotifier{}, services.AccountConfig{
		Policy: services.Policy{CardYear: 68, CurrentYear: 2025},
	})
	_, err = accounts.EnsureAdmin(t.Context(), "admin", "admin")
	require.NoError(t, err)

	tokens := handlers.NewTokens("test-secret", time.Hour)
	a.router = gin.New()
	handlers.RegisterRoutes(a.router, handlers.Deps{
		Borrow:   borrow,
		Accounts: accounts,
		Tokens:   tokens,
		Metrics:  m.Handler(),
		Ping:     func(context.Context) error { return nil },
		Clock:    a.clock,
	})
	return a
}

func (a *api) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *api) login(id, password string) string {
	a.t.Helper()
	w := a.do(http.MethodPost, "/auth/login", "", gin.H{"id": id, "password": password})
	require.Equal(a.t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token
}

func (a *api) registerStudent(id string) string {
	a.t.Helper()
	w := a.do(http.MethodPost, "/auth/register", "", gin.H{
		"card_type":  "STUDENT_CARD",
		"id":         id,
		"name":       "Student " + id,
		"birth_year": 2004,
		"password":   "1234",
	})
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	return a.login(id, "1234")
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthzAndMetrics(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAuth(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/auth/login", "", gin.H{"id": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(http.MethodGet, "/requests/pending", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = a.do(http.MethodGet, "/requests/pending", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	student := a.registerStudent("66001")
	w = a.do(http.MethodGet, "/requests/pending", student, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := a.login("admin", "admin")
	w = a.do(http.MethodPost, "/items/I01/requests", admin, gin.H{"kind": "NEW_BORROW"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(http.MethodPost, "/auth/register", "", gin.H{
		"card_type": "STUDENT_CARD", "id": "66001", "name": "Again", "birth_year": 2004, "password": "1234",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(http.MethodPost, "/auth/register", "", gin.H{
		"card_type": "STUDENT_CARD", "id": "60001", "name": "Alumnus", "birth_year": 1999, "password": "1234",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTokens(t *testing.T) {
	tokens := handlers.NewTokens("secret", time.Hour)
	user := &models.User{ID: "66001", Role: models.UserRoleStudent}

	signed, exp, err := tokens.Issue(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := tokens.Parse("Bearer " + signed)
	require.NoError(t, err)
	assert.Equal(t, "66001", claims.Subject)
	assert.Equal(t, models.UserRoleStudent, claims.Role)

	_, err = handlers.NewTokens("other", time.Hour).Parse(signed)
	assert.Error(t, err)

	expired, _, err := handlers.NewTokens("secret", -time.Minute).Issue(user)
	require.NoError(t, err)
	_, err = tokens.Parse(expired)
	assert.Error(t, err)

	_, err = tokens.Parse("")
	assert.Error(t, err)
}

func TestBorrowFlow(t *testing.T) {
	a := newAPI(t)
	admin := a.login("admin", "admin")
	alice := a.registerStudent("66001")
	bob := a.registerStudent("66002")

	w := a.do(http.MethodPost, "/items", admin, gin.H{"id": "I02", "name": "MacBook Pro M2", "category": "IT", "total_qty": 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = a.do(http.MethodPost, "/items", alice, gin.H{"id": "I09", "name": "Nope", "category": "IT", "total_qty": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(http.MethodPost, "/items", admin, gin.H{"id": "I02", "name": "Another MacBook", "category": "IT", "total_qty": 4})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[map[string]any](t, w)["error"], services.ErrItemExists.Error())

	w = a.do(http.MethodPost, "/items/I02/requests", alice, gin.H{"kind": "NEW_BORROW"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reqA := decode[models.BorrowRequest](t, w)

	w = a.do(http.MethodPost, "/items/I02/requests", alice, gin.H{"kind": "NEW_BORROW"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(http.MethodPost, "/items/I02/requests", bob, gin.H{"kind": "new_borrow"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reqB := decode[models.BorrowRequest](t, w)

	w = a.do(http.MethodPost, "/items/I02/requests", bob, gin.H{"kind": "EXTEND", "extra_days": 3})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(http.MethodGet, "/requests/pending", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.BorrowRequest](t, w), 2)

	w = a.do(http.MethodPost, "/requests/"+reqA.ID.String()+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[services.Resolution](t, w)
	require.NotNil(t, res.Record)
	assert.Equal(t, models.RequestStatusApproved, res.Request.Status)

	w = a.do(http.MethodPost, "/requests/"+reqB.ID.String()+"/approve", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = a.do(http.MethodPost, "/requests/"+reqB.ID.String()+"/reject", admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = a.do(http.MethodPost, "/requests/not-a-uuid/approve", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodGet, "/items", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[[]models.Item](t, w)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].AvailableQty)

	w = a.do(http.MethodGet, "/me/records", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	mine := decode[[]services.RecordView](t, w)
	require.Len(t, mine, 1)
	assert.Equal(t, 7, mine[0].DaysLeft)

	w = a.do(http.MethodGet, "/me/requests", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bobs := decode[[]models.BorrowRequest](t, w)
	require.Len(t, bobs, 1)
	assert.Equal(t, models.RequestStatusRejected, bobs[0].Status)

	w = a.do(http.MethodGet, "/records/active", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]services.RecordView](t, w), 1)

	w = a.do(http.MethodPost, "/records/"+res.Record.ID.String()+"/remind", admin, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestReturnFlow(t *testing.T) {
	a := newAPI(t)
	admin := a.login("admin", "admin")
	student := a.registerStudent("66999")

	w := a.do(http.MethodPost, "/items", admin, gin.H{"id": "I01", "name": "Projector Sony", "category": "AV", "total_qty": 5})
	require.Equal(t, http.StatusCreated, w.Code)
	w = a.do(http.MethodPost, "/items/I01/requests", student, gin.H{"kind": "NEW_BORROW"})
	require.Equal(t, http.StatusCreated, w.Code)
	req := decode[models.BorrowRequest](t, w)
	w = a.do(http.MethodPost, "/requests/"+req.ID.String()+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec := decode[services.Resolution](t, w).Record
	recPath := "/records/" + rec.ID.String()
	late := rec.DueDate.AddDate(0, 0, 3).Format(time.DateOnly)

	w = a.do(http.MethodGet, recPath+"/fine?date="+late, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 300, decode[map[string]any](t, w)["fine"])

	w = a.do(http.MethodGet, recPath+"/fine?date=yesterday", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, recPath+"/return", admin, gin.H{"return_date": late})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.EqualValues(t, 300, decode[map[string]any](t, w)["fine"])

	w = a.do(http.MethodPost, recPath+"/return", admin, gin.H{"return_date": late, "confirm_fine": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	returned := decode[models.BorrowRecord](t, w)
	assert.Equal(t, 300, returned.FineAmount)
	require.NotNil(t, returned.ReturnDate)

	w = a.do(http.MethodPost, recPath+"/return", admin, gin.H{"return_date": late, "confirm_fine": true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[map[string]any](t, w)["error"], services.ErrAlreadyReturned.Error())

	w = a.do(http.MethodPost, "/records/"+req.ID.String()+"/return", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReturnFlow_DefaultDateIsServiceToday(t *testing.T) {
	a := newAPI(t)
	admin := a.login("admin", "admin")
	student := a.registerStudent("66999")

	w := a.do(http.MethodPost, "/items", admin, gin.H{"id": "I03", "name": "Canon Camera", "category": "AV", "total_qty": 3})
	require.Equal(t, http.StatusCreated, w.Code)
	w = a.do(http.MethodPost, "/items/I03/requests", student, gin.H{"kind": "NEW_BORROW"})
	require.Equal(t, http.StatusCreated, w.Code)
	req := decode[models.BorrowRequest](t, w)
	w = a.do(http.MethodPost, "/requests/"+req.ID.String()+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	recPath := "/records/" + decode[services.Resolution](t, w).Record.ID.String()

	// Due after 7 days, so day 10 is 3 days late.
	a.advance(10)

	w = a.do(http.MethodGet, recPath+"/fine", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	quote := decode[map[string]any](t, w)
	assert.EqualValues(t, 300, quote["fine"])
	assert.Equal(t, a.clock().Format(time.DateOnly), quote["date"])

	w = a.do(http.MethodPost, recPath+"/return", admin, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.EqualValues(t, 300, decode[map[string]any](t, w)["fine"])

	before := a.clock().AddDate(0, 0, -30).Format(time.DateOnly)
	w = a.do(http.MethodGet, recPath+"/fine?date="+before, admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthzUnavailable(t *testing.T) {
	router := gin.New()
	handlers.RegisterRoutes(router, handlers.Deps{
		Ping: func(context.Context) error { return errors.New("connection refused") },
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
