package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserRole string

const (
	UserRoleStudent UserRole = "STUDENT"
	UserRoleAdmin   UserRole = "ADMIN"
)

type CardType string

const (
	CardTypeStudentCard CardType = "STUDENT_CARD"
	CardTypeNationalID  CardType = "NATIONAL_ID"
)

type RequestKind string

const (
	RequestKindNewBorrow RequestKind = "NEW_BORROW"
	RequestKindRenew     RequestKind = "RENEW"
	RequestKindExtend    RequestKind = "EXTEND"
)

// Valid reports whether k is one of the known request kinds.
func (k RequestKind) Valid() bool {
	switch k {
	case RequestKindNewBorrow, RequestKindRenew, RequestKindExtend:
		return true
	}
	return false
}

type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "PENDING"
	RequestStatusApproved RequestStatus = "APPROVED"
	RequestStatusRejected RequestStatus = "REJECTED"
)

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// StudentProfile holds the fields that only make sense for UserRoleStudent.
type StudentProfile struct {
	CardType  CardType `gorm:"size:32" json:"card_type,omitempty"`
	BirthYear int      `json:"birth_year,omitempty"`
}

// User is either a student or an admin, selected by Role. Student is zero for admins.
type User struct {
	ID           string         `gorm:"size:64;primaryKey" json:"id"`
	Name         string         `gorm:"size:255;not null" json:"name"`
	Email        string         `gorm:"size:255" json:"email"`
	Phone        string         `gorm:"size:64" json:"phone"`
	PasswordHash string         `gorm:"size:255;not null" json:"-"`
	Role         UserRole       `gorm:"size:16;not null;index" json:"role"`
	Student      StudentProfile `gorm:"embedded;embeddedPrefix:student_" json:"student"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (u *User) IsAdmin() bool { return u.Role == UserRoleAdmin }

type Item struct {
	ID           string    `gorm:"size:64;primaryKey" json:"id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	Category     string    `gorm:"size:64;not null;index" json:"category"`
	TotalQty     int       `gorm:"not null" json:"total_qty"`
	AvailableQty int       `gorm:"not null" json:"available_qty"`
	CreatedAt    time.Time `json:"created_at"`
}

type BorrowRequest struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     string        `gorm:"size:64;not null;index" json:"user_id"`
	User       User          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	ItemID     string        `gorm:"size:64;not null;index" json:"item_id"`
	Item       Item          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	Kind       RequestKind   `gorm:"size:16;not null" json:"kind"`
	ExtraDays  int           `gorm:"not null;default:0" json:"extra_days"`
	Status     RequestStatus `gorm:"size:16;not null;index" json:"status"`
	CreatedAt  time.Time     `gorm:"not null" json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at"`
}

func (r *BorrowRequest) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

type BorrowRecord struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     string     `gorm:"size:64;not null;index" json:"user_id"`
	User       User       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	ItemID     string     `gorm:"size:64;not null;index" json:"item_id"`
	Item       Item       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	RequestID  *uuid.UUID `gorm:"type:uuid" json:"request_id,omitempty"`
	BorrowDate time.Time  `gorm:"not null" json:"borrow_date"`
	DueDate    time.Time  `gorm:"not null" json:"due_date"`
	ReturnDate *time.Time `gorm:"index" json:"return_date"`
	Extended   bool       `gorm:"not null;default:false" json:"extended"`
	FineAmount int        `gorm:"not null;default:0" json:"fine_amount"`
}

func (r *BorrowRecord) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Active reports whether the record has not been returned yet.
func (r *BorrowRecord) Active() bool { return r.ReturnDate == nil }

// All lists every model, in dependency order, for migrations.
func All() []interface{} {
	return []interface{}{&User{}, &Item{}, &BorrowRequest{}, &BorrowRecord{}}
}
