package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"smartborrow/internal/lock"
	"smartborrow/internal/metrics"
	"smartborrow/internal/models"
	"smartborrow/internal/notify"
	"smartborrow/internal/repositories"
)

// lockTTL bounds how long a crashed replica can hold an item's lock.
const lockTTL = 30 * time.Second

// ─── Service Interface ────────────────────────────────────────────────────────

// BorrowService defines the catalog, request workflow and record lifecycle.
type BorrowService interface {
	CreateItem(ctx context.Context, id, name, category string, totalQty int) (*models.Item, error)
	ListItems(ctx context.Context) ([]models.Item, error)

	SubmitRequest(ctx context.Context, userID, itemID string, kind models.RequestKind, extraDays int) (*models.BorrowRequest, error)
	ResolveRequest(ctx context.Context, requestID uuid.UUID, decision models.Decision) (*Resolution, error)
	ListPendingRequests(ctx context.Context) ([]models.BorrowRequest, error)
	ListUserRequests(ctx context.Context, userID string) ([]models.BorrowRequest, error)

	QuoteReturn(ctx context.Context, recordID uuid.UUID, returnDate time.Time) (int, error)
	ProcessReturn(ctx context.Context, recordID uuid.UUID, returnDate time.Time, confirmFine bool) (*models.BorrowRecord, error)
	SendReminder(ctx context.Context, recordID uuid.UUID) error

	GetRecord(ctx context.Context, recordID uuid.UUID) (*models.BorrowRecord, error)
	ListActiveRecords(ctx context.Context) ([]RecordView, error)
	ListUserRecords(ctx context.Context, userID string) ([]RecordView, error)
}

// Resolution is the outcome of ResolveRequest. Record is the record created
// or extended by an approval and nil for rejections.
type Resolution struct {
	Request *models.BorrowRequest `json:"request"`
	Record  *models.BorrowRecord  `json:"record,omitempty"`
}

// RecordView is a record as shown to users, with figures computed for today.
type RecordView struct {
	models.BorrowRecord
	DaysLeft    int `json:"days_left"`
	AccruedFine int `json:"accrued_fine"`
}

type Option func(*borrowService)

// WithClock replaces time.Now, e.g. for tests or back-dated seeding.
func WithClock(now func() time.Time) Option {
	return func(s *borrowService) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *borrowService) { s.metrics = m }
}

// WithLockTTL sets how long an item lock is held at most. Transactions taken
// under the lock are cancelled before it expires.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *borrowService) { s.lockTTL = ttl }
}

// WithCurrency sets the currency label used in fine notifications.
func WithCurrency(currency string) Option {
	return func(s *borrowService) { s.currency = currency }
}

// ─── Implementation ───────────────────────────────────────────────────────────

type borrowService struct {
	db          *gorm.DB
	userRepo    repositories.UserRepository
	itemRepo    repositories.ItemRepository
	requestRepo repositories.RequestRepository
	recordRepo  repositories.RecordRepository
	locker      lock.Locker
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	currency    string
	lockTTL     time.Duration
	now         func() time.Time
}

// NewBorrowService wires up all dependencies and returns a BorrowService.
func NewBorrowService(
	db *gorm.DB,
	userRepo repositories.UserRepository,
	itemRepo repositories.ItemRepository,
	requestRepo repositories.RequestRepository,
	recordRepo repositories.RecordRepository,
	locker lock.Locker,
	notifier notify.Notifier,
	opts ...Option,
) BorrowService {
	s := &borrowService{
		db:          db,
		userRepo:    userRepo,
		itemRepo:    itemRepo,
		requestRepo: requestRepo,
		recordRepo:  recordRepo,
		locker:      locker,
		notifier:    notifier,
		currency:    "THB",
		lockTTL:     lockTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *borrowService) today() time.Time { return dateOf(s.now()) }

// withItemLock runs fn inside the item's critical section and a single transaction.
func (s *borrowService) withItemLock(ctx context.Context, itemID string, fn func(tx *gorm.DB) error) error {
	unlock, err := s.locker.Lock(ctx, lock.ItemKey(itemID), s.lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			log.Error().Err(err).Str("item", itemID).Msg("withItemLock: failed to release lock")
		}
	}()

	// The transaction must end well before the lock can expire under it.
	txCtx, cancel := context.WithTimeout(ctx, s.lockTTL*2/3)
	defer cancel()
	return s.db.WithContext(txCtx).Transaction(fn)
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

// CreateItem adds an item to the catalog with every unit available.
func (s *borrowService) CreateItem(ctx context.Context, id, name, category string, totalQty int) (*models.Item, error) {
	if id == "" || name == "" || category == "" {
		return nil, invalidInput("item id, name and category are required")
	}
	if totalQty < 1 {
		return nil, invalidInput("total quantity must be positive")
	}

	item := &models.Item{
		ID:           id,
		Name:         name,
		Category:     category,
		TotalQty:     totalQty,
		AvailableQty: totalQty,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.itemRepo.Exists(tx, id)
		if err != nil {
			return err
		}
		if exists {
			return ErrItemExists
		}
		if err := s.itemRepo.Create(tx, item); err != nil {
			log.Error().Err(err).Str("item", id).Msg("CreateItem: failed to create item")
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("item", id).Str("name", name).Int("qty", totalQty).Msg("CreateItem: item created")
	return item, nil
}

func (s *borrowService) ListItems(ctx context.Context) ([]models.Item, error) {
	return s.itemRepo.List(s.db.WithContext(ctx))
}

// ─── Request Workflow ─────────────────────────────────────────────────────────

// SubmitRequest records a user's intent as a PENDING request.
//
// All kinds: at most one pending request per (user, item).
// NEW_BORROW: no active record for the item, and a unit must be available.
// RENEW/EXTEND: an active record for the item is required; EXTEND needs extraDays > 0.
func (s *borrowService) SubmitRequest(ctx context.Context, userID, itemID string, kind models.RequestKind, extraDays int) (*models.BorrowRequest, error) {
	if !kind.Valid() {
		return nil, invalidInput("unknown request kind %q", kind)
	}
	if kind == models.RequestKindExtend {
		if extraDays <= 0 {
			return nil, invalidInput("extension days must be positive")
		}
	} else {
		extraDays = 0
	}

	var created *models.BorrowRequest
	err := s.withItemLock(ctx, itemID, func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByID(tx, userID)
		if err != nil {
			return notFound(err, ErrUserNotFound)
		}
		if user.Role != models.UserRoleStudent {
			return ErrForbidden
		}

		item, err := s.itemRepo.GetByIDForUpdate(tx, itemID)
		if err != nil {
			return notFound(err, ErrItemNotFound)
		}

		active, err := s.activeRecord(tx, userID, itemID)
		if err != nil {
			return err
		}
		switch kind {
		case models.RequestKindNewBorrow:
			if active != nil {
				return ErrDuplicateActiveLoan
			}
		default:
			if active == nil {
				return ErrRecordNotFound
			}
		}

		pending, err := s.requestRepo.FindPending(tx, userID, itemID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if pending != nil {
			return ErrDuplicatePendingRequest
		}

		if kind == models.RequestKindNewBorrow && item.AvailableQty == 0 {
			return ErrOutOfStock
		}

		req := &models.BorrowRequest{
			UserID:    userID,
			ItemID:    itemID,
			Kind:      kind,
			ExtraDays: extraDays,
			Status:    models.RequestStatusPending,
			CreatedAt: s.now().UTC(),
		}
		if err := s.requestRepo.Create(tx, req); err != nil {
			log.Error().Err(err).Str("user", userID).Str("item", itemID).Msg("SubmitRequest: failed to create request")
			return err
		}
		created = req
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Str("item", itemID).Str("kind", string(kind)).Msg("SubmitRequest: rejected")
		return nil, err
	}

	s.metrics.RequestSubmitted(string(kind))
	log.Info().Str("request", created.ID.String()).Str("user", userID).Str("item", itemID).
		Str("kind", string(kind)).Int("extra_days", extraDays).Msg("SubmitRequest: request created")
	return created, nil
}

// ResolveRequest approves or rejects a PENDING request.
//
// Every check runs before the first write, and the status change, availability
// change and record change commit together. The requester is notified after commit.
func (s *borrowService) ResolveRequest(ctx context.Context, requestID uuid.UUID, decision models.Decision) (*Resolution, error) {
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return nil, invalidInput("unknown decision %q", decision)
	}

	// Read once outside the lock only to learn which item to lock.
	peek, err := s.requestRepo.GetByID(s.db.WithContext(ctx), requestID)
	if err != nil {
		return nil, notFound(err, ErrRequestNotFound)
	}

	var (
		result Resolution
		user   *models.User
		item   *models.Item
	)
	err = s.withItemLock(ctx, peek.ItemID, func(tx *gorm.DB) error {
		req, err := s.requestRepo.GetByIDForUpdate(tx, requestID)
		if err != nil {
			return notFound(err, ErrRequestNotFound)
		}
		if req.Status != models.RequestStatusPending {
			return ErrRequestNotPending
		}
		if user, err = s.userRepo.GetByID(tx, req.UserID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		if item, err = s.itemRepo.GetByIDForUpdate(tx, req.ItemID); err != nil {
			return notFound(err, ErrItemNotFound)
		}

		today := s.today()
		resolvedAt := s.now().UTC()

		if decision == models.DecisionReject {
			if err := s.requestRepo.Resolve(tx, req.ID, models.RequestStatusRejected, resolvedAt); err != nil {
				return err
			}
			req.Status = models.RequestStatusRejected
			req.ResolvedAt = &resolvedAt
			result.Request = req
			return nil
		}

		active, err := s.activeRecord(tx, req.UserID, req.ItemID)
		if err != nil {
			return err
		}

		switch req.Kind {
		case models.RequestKindNewBorrow:
			if active != nil {
				return ErrDuplicateActiveLoan
			}
			if item.AvailableQty == 0 {
				return ErrOutOfStock
			}
			ok, err := s.itemRepo.DecrementAvailable(tx, item.ID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrOutOfStock
			}
			rec := &models.BorrowRecord{
				UserID:     req.UserID,
				ItemID:     req.ItemID,
				RequestID:  &req.ID,
				BorrowDate: today,
				DueDate:    today.AddDate(0, 0, LoanPeriodDays),
			}
			if err := s.recordRepo.Create(tx, rec); err != nil {
				return err
			}
			item.AvailableQty--
			result.Record = rec

		case models.RequestKindRenew, models.RequestKindExtend:
			if active == nil {
				return ErrRecordNotFound
			}
			days := RenewDays
			if req.Kind == models.RequestKindExtend {
				days = req.ExtraDays
			}
			due := active.DueDate.AddDate(0, 0, days)
			if err := s.recordRepo.UpdateDueDate(tx, active.ID, due, true); err != nil {
				return err
			}
			active.DueDate = due
			active.Extended = true
			result.Record = active

		default:
			return invalidInput("unknown request kind %q", req.Kind)
		}

		if err := s.requestRepo.Resolve(tx, req.ID, models.RequestStatusApproved, resolvedAt); err != nil {
			return err
		}
		req.Status = models.RequestStatusApproved
		req.ResolvedAt = &resolvedAt
		result.Request = req
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("request", requestID.String()).Str("decision", string(decision)).Msg("ResolveRequest: failed")
		return nil, err
	}

	s.metrics.RequestResolved(string(result.Request.Kind), string(decision))
	ev := log.Info().Str("request", requestID.String()).Str("user", user.ID).Str("item", item.ID).
		Str("kind", string(result.Request.Kind)).Str("status", string(result.Request.Status))
	if result.Record != nil {
		ev = ev.Str("record", result.Record.ID.String()).Str("due", result.Record.DueDate.Format(time.DateOnly))
	}
	ev.Msg("ResolveRequest: request resolved")

	s.notifier.Notify(resolutionMessage(user, item, &result))
	return &result, nil
}

func resolutionMessage(user *models.User, item *models.Item, res *Resolution) notify.Message {
	msg := notify.Message{To: user.Email}
	req := res.Request
	switch {
	case req.Status == models.RequestStatusRejected:
		msg.Subject = "Request Rejected"
		msg.Body = fmt.Sprintf("Your %s request for %s was rejected.", kindLabel(req.Kind), item.Name)
	case req.Kind == models.RequestKindNewBorrow:
		msg.Subject = "Borrow Approved"
		msg.Body = fmt.Sprintf("Your request for %s is approved. Please return it by %s.",
			item.Name, res.Record.DueDate.Format(time.DateOnly))
	default:
		msg.Subject = "Request Approved"
		msg.Body = fmt.Sprintf("Your %s request for %s is approved. New due date: %s.",
			kindLabel(req.Kind), item.Name, res.Record.DueDate.Format(time.DateOnly))
	}
	return msg
}

func kindLabel(k models.RequestKind) string {
	switch k {
	case models.RequestKindNewBorrow:
		return "borrow"
	case models.RequestKindRenew:
		return "renew"
	case models.RequestKindExtend:
		return "extension"
	}
	return string(k)
}

func (s *borrowService) ListPendingRequests(ctx context.Context) ([]models.BorrowRequest, error) {
	return s.requestRepo.ListPending(s.db.WithContext(ctx))
}

func (s *borrowService) ListUserRequests(ctx context.Context, userID string) ([]models.BorrowRequest, error) {
	return s.requestRepo.ListByUser(s.db.WithContext(ctx), userID)
}

// ─── Return ───────────────────────────────────────────────────────────────────

// QuoteReturn returns the fine a return on returnDate would be charged.
func (s *borrowService) QuoteReturn(ctx context.Context, recordID uuid.UUID, returnDate time.Time) (int, error) {
	rec, err := s.recordRepo.GetByID(s.db.WithContext(ctx), recordID)
	if err != nil {
		return 0, notFound(err, ErrRecordNotFound)
	}
	if !rec.Active() {
		return 0, ErrAlreadyReturned
	}
	if err := checkReturnDate(rec, dateOf(returnDate)); err != nil {
		return 0, err
	}
	return ComputeFine(rec.DueDate, returnDate), nil
}

// ProcessReturn closes an active record.
//
// Steps (all in one transaction, inside the item's critical section):
//  1. Lock the record and guard against double-return.
//  2. Compute the fine; a non-zero fine needs confirmFine, else *FineConfirmationError.
//  3. Set return date and fine, give the unit back to the catalog.
//
// The "Item Returned" notification is sent after commit.
func (s *borrowService) ProcessReturn(ctx context.Context, recordID uuid.UUID, returnDate time.Time, confirmFine bool) (*models.BorrowRecord, error) {
	peek, err := s.recordRepo.GetByID(s.db.WithContext(ctx), recordID)
	if err != nil {
		return nil, notFound(err, ErrRecordNotFound)
	}

	returnDay := dateOf(returnDate)
	var (
		updated *models.BorrowRecord
		user    *models.User
		item    *models.Item
	)
	err = s.withItemLock(ctx, peek.ItemID, func(tx *gorm.DB) error {
		rec, err := s.recordRepo.GetByIDForUpdate(tx, recordID)
		if err != nil {
			return notFound(err, ErrRecordNotFound)
		}
		if !rec.Active() {
			log.Warn().Str("record", recordID.String()).Time("returned", *rec.ReturnDate).Msg("ProcessReturn: record already returned")
			return ErrAlreadyReturned
		}
		if err := checkReturnDate(rec, returnDay); err != nil {
			return err
		}
		if user, err = s.userRepo.GetByID(tx, rec.UserID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		if item, err = s.itemRepo.GetByIDForUpdate(tx, rec.ItemID); err != nil {
			return notFound(err, ErrItemNotFound)
		}

		fine := ComputeFine(rec.DueDate, returnDay)
		if fine > 0 && !confirmFine {
			return &FineConfirmationError{Fine: fine}
		}

		ok, err := s.recordRepo.MarkReturned(tx, rec.ID, returnDay, fine)
		if err != nil {
			log.Error().Err(err).Str("record", recordID.String()).Msg("ProcessReturn: failed to mark record returned")
			return err
		}
		if !ok {
			return ErrAlreadyReturned
		}
		if err := s.itemRepo.IncrementAvailable(tx, rec.ItemID); err != nil {
			log.Error().Err(err).Str("item", rec.ItemID).Msg("ProcessReturn: failed to release unit")
			return err
		}

		rec.ReturnDate = &returnDay
		rec.FineAmount = fine
		updated = rec
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("record", recordID.String()).Msg("ProcessReturn: failed")
		return nil, err
	}

	s.metrics.Returned(updated.FineAmount)
	log.Info().Str("record", recordID.String()).Str("user", user.ID).Str("item", item.ID).
		Int("fine", updated.FineAmount).Msg("ProcessReturn: item returned")

	s.notifier.Notify(notify.Message{
		To:      user.Email,
		Subject: "Item Returned",
		Body:    fmt.Sprintf("%s has been returned. Fine: %d %s.", item.Name, updated.FineAmount, s.currency),
	})
	return updated, nil
}

func checkReturnDate(rec *models.BorrowRecord, returnDay time.Time) error {
	if returnDay.Before(dateOf(rec.BorrowDate)) {
		return invalidInput("return date %s is before borrow date %s",
			returnDay.Format(time.DateOnly), rec.BorrowDate.Format(time.DateOnly))
	}
	return nil
}

// SendReminder mails the borrower of an active record how many days are left,
// or an overdue warning.
func (s *borrowService) SendReminder(ctx context.Context, recordID uuid.UUID) error {
	db := s.db.WithContext(ctx)
	rec, err := s.recordRepo.GetByID(db, recordID)
	if err != nil {
		return notFound(err, ErrRecordNotFound)
	}
	if !rec.Active() {
		return ErrAlreadyReturned
	}
	user, err := s.userRepo.GetByID(db, rec.UserID)
	if err != nil {
		return notFound(err, ErrUserNotFound)
	}
	item, err := s.itemRepo.GetByID(db, rec.ItemID)
	if err != nil {
		return notFound(err, ErrItemNotFound)
	}

	daysLeft := DaysBetween(s.today(), rec.DueDate)
	body := fmt.Sprintf("Hello %s,\n\nYou have %d days left to return '%s'.", user.Name, daysLeft, item.Name)
	if daysLeft < 0 {
		body = fmt.Sprintf("WARNING: Your item '%s' is OVERDUE.", item.Name)
	}
	s.notifier.Notify(notify.Message{
		To:      user.Email,
		Subject: "Reminder: Return " + item.Name,
		Body:    body,
	})
	log.Info().Str("record", recordID.String()).Str("user", user.ID).Int("days_left", daysLeft).Msg("SendReminder: reminder queued")
	return nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

func (s *borrowService) GetRecord(ctx context.Context, recordID uuid.UUID) (*models.BorrowRecord, error) {
	rec, err := s.recordRepo.GetByID(s.db.WithContext(ctx), recordID)
	if err != nil {
		return nil, notFound(err, ErrRecordNotFound)
	}
	return rec, nil
}

// ListActiveRecords returns every unreturned record, soonest due first.
func (s *borrowService) ListActiveRecords(ctx context.Context) ([]RecordView, error) {
	recs, err := s.recordRepo.ListActive(s.db.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return s.views(recs), nil
}

// ListUserRecords returns all records (active and past) of a user.
func (s *borrowService) ListUserRecords(ctx context.Context, userID string) ([]RecordView, error) {
	recs, err := s.recordRepo.ListByUser(s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	return s.views(recs), nil
}

func (s *borrowService) views(recs []models.BorrowRecord) []RecordView {
	today := s.today()
	out := make([]RecordView, 0, len(recs))
	for _, rec := range recs {
		v := RecordView{BorrowRecord: rec}
		if rec.Active() {
			v.DaysLeft = DaysBetween(today, rec.DueDate)
			v.AccruedFine = ComputeFine(rec.DueDate, today)
		} else {
			v.AccruedFine = rec.FineAmount
		}
		out = append(out, v)
	}
	return out
}

// ─── Internal Helpers ─────────────────────────────────────────────────────────

// activeRecord returns the user's unreturned record for the item, or nil.
func (s *borrowService) activeRecord(tx *gorm.DB, userID, itemID string) (*models.BorrowRecord, error) {
	rec, err := s.recordRepo.FindActive(tx, userID, itemID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// notFound translates gorm's not-found error into the domain sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
