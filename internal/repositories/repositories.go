package repositories

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"smartborrow/internal/models"
)

type UserRepository interface {
	Create(db *gorm.DB, user *models.User) error
	GetByID(db *gorm.DB, id string) (*models.User, error)
	Exists(db *gorm.DB, id string) (bool, error)
}

type ItemRepository interface {
	Create(db *gorm.DB, item *models.Item) error
	List(db *gorm.DB) ([]models.Item, error)
	GetByID(db *gorm.DB, id string) (*models.Item, error)
	GetByIDForUpdate(db *gorm.DB, id string) (*models.Item, error)
	Exists(db *gorm.DB, id string) (bool, error)
	// DecrementAvailable returns false when no unit was available.
	DecrementAvailable(db *gorm.DB, id string) (bool, error)
	// IncrementAvailable never raises available_qty above total_qty.
	IncrementAvailable(db *gorm.DB, id string) error
}

type RequestRepository interface {
	Create(db *gorm.DB, req *models.BorrowRequest) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.BorrowRequest, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.BorrowRequest, error)
	FindPending(db *gorm.DB, userID, itemID string) (*models.BorrowRequest, error)
	Resolve(db *gorm.DB, id uuid.UUID, status models.RequestStatus, resolvedAt time.Time) error
	ListPending(db *gorm.DB) ([]models.BorrowRequest, error)
	ListByUser(db *gorm.DB, userID string) ([]models.BorrowRequest, error)
}

type RecordRepository interface {
	Create(db *gorm.DB, rec *models.BorrowRecord) error
	GetByID(db *gorm.DB, id uuid.UUID) (*models.BorrowRecord, error)
	GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.BorrowRecord, error)
	FindActive(db *gorm.DB, userID, itemID string) (*models.BorrowRecord, error)
	UpdateDueDate(db *gorm.DB, id uuid.UUID, due time.Time, extended bool) error
	MarkReturned(db *gorm.DB, id uuid.UUID, returnedAt time.Time, fineAmount int) (bool, error)
	ListActive(db *gorm.DB) ([]models.BorrowRecord, error)
	ListByUser(db *gorm.DB, userID string) ([]models.BorrowRecord, error)
}

// concrete implementations

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(db *gorm.DB, user *models.User) error {
	if db == nil {
		db = r.db
	}
	return db.Create(user).Error
}

func (r *userRepository) GetByID(db *gorm.DB, id string) (*models.User, error) {
	if db == nil {
		db = r.db
	}
	var user models.User
	if err := db.First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) Exists(db *gorm.DB, id string) (bool, error) {
	if db == nil {
		db = r.db
	}
	var n int64
	if err := db.Model(&models.User{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

type itemRepository struct {
	db *gorm.DB
}

func NewItemRepository(db *gorm.DB) ItemRepository {
	return &itemRepository{db: db}
}

func (r *itemRepository) Create(db *gorm.DB, item *models.Item) error {
	if db == nil {
		db = r.db
	}
	return db.Create(item).Error
}

func (r *itemRepository) List(db *gorm.DB) ([]models.Item, error) {
	if db == nil {
		db = r.db
	}
	var items []models.Item
	if err := db.Order("id").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *itemRepository) Exists(db *gorm.DB, id string) (bool, error) {
	if db == nil {
		db = r.db
	}
	var n int64
	if err := db.Model(&models.Item{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *itemRepository) GetByID(db *gorm.DB, id string) (*models.Item, error) {
	if db == nil {
		db = r.db
	}
	var item models.Item
	if err := db.First(&item, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *itemRepository) GetByIDForUpdate(db *gorm.DB, id string) (*models.Item, error) {
	if db == nil {
		db = r.db
	}
	var item models.Item
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&item, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *itemRepository) DecrementAvailable(db *gorm.DB, id string) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Item{}).
		Where("id = ? AND available_qty > 0", id).
		UpdateColumn("available_qty", gorm.Expr("available_qty - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *itemRepository) IncrementAvailable(db *gorm.DB, id string) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Item{}).
		Where("id = ? AND available_qty < total_qty", id).
		UpdateColumn("available_qty", gorm.Expr("available_qty + 1")).
		Error
}

type requestRepository struct {
	db *gorm.DB
}

func NewRequestRepository(db *gorm.DB) RequestRepository {
	return &requestRepository{db: db}
}

func (r *requestRepository) Create(db *gorm.DB, req *models.BorrowRequest) error {
	if db == nil {
		db = r.db
	}
	return db.Create(req).Error
}

func (r *requestRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.BorrowRequest, error) {
	if db == nil {
		db = r.db
	}
	var req models.BorrowRequest
	if err := db.First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.BorrowRequest, error) {
	if db == nil {
		db = r.db
	}
	var req models.BorrowRequest
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&req, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepository) FindPending(db *gorm.DB, userID, itemID string) (*models.BorrowRequest, error) {
	if db == nil {
		db = r.db
	}
	var req models.BorrowRequest
	err := db.Where("user_id = ? AND item_id = ? AND status = ?", userID, itemID, models.RequestStatusPending).
		First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepository) Resolve(db *gorm.DB, id uuid.UUID, status models.RequestStatus, resolvedAt time.Time) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.BorrowRequest{}).
		Where("id = ? AND status = ?", id, models.RequestStatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"resolved_at": resolvedAt,
		}).Error
}

func (r *requestRepository) ListPending(db *gorm.DB) ([]models.BorrowRequest, error) {
	if db == nil {
		db = r.db
	}
	var reqs []models.BorrowRequest
	if err := db.Where("status = ?", models.RequestStatusPending).
		Order("created_at ASC").
		Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

func (r *requestRepository) ListByUser(db *gorm.DB, userID string) ([]models.BorrowRequest, error) {
	if db == nil {
		db = r.db
	}
	var reqs []models.BorrowRequest
	if err := db.Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

type recordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) RecordRepository {
	return &recordRepository{db: db}
}

func (r *recordRepository) Create(db *gorm.DB, rec *models.BorrowRecord) error {
	if db == nil {
		db = r.db
	}
	return db.Create(rec).Error
}

func (r *recordRepository) GetByID(db *gorm.DB, id uuid.UUID) (*models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var rec models.BorrowRecord
	if err := db.First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepository) GetByIDForUpdate(db *gorm.DB, id uuid.UUID) (*models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var rec models.BorrowRecord
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&rec, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepository) FindActive(db *gorm.DB, userID, itemID string) (*models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var rec models.BorrowRecord
	err := db.Where("user_id = ? AND item_id = ? AND return_date IS NULL", userID, itemID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepository) UpdateDueDate(db *gorm.DB, id uuid.UUID, due time.Time, extended bool) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.BorrowRecord{}).
		Where("id = ? AND return_date IS NULL", id).
		Updates(map[string]interface{}{
			"due_date": due,
			"extended": extended,
		}).Error
}

func (r *recordRepository) MarkReturned(db *gorm.DB, id uuid.UUID, returnedAt time.Time, fineAmount int) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.BorrowRecord{}).
		Where("id = ? AND return_date IS NULL", id).
		Updates(map[string]interface{}{
			"return_date": returnedAt,
			"fine_amount": fineAmount,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *recordRepository) ListActive(db *gorm.DB) ([]models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var recs []models.BorrowRecord
	if err := db.Where("return_date IS NULL").
		Order("due_date ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *recordRepository) ListByUser(db *gorm.DB, userID string) ([]models.BorrowRecord, error) {
	if db == nil {
		db = r.db
	}
	var recs []models.BorrowRecord
	if err := db.Where("user_id = ?", userID).
		Order("borrow_date ASC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
