package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"smartborrow/internal/models"
	"smartborrow/internal/notify"
	"smartborrow/internal/repositories"
)

// Registration is a new student's sign-up form.
type Registration struct {
	CardType  models.CardType `json:"card_type" validate:"required,oneof=STUDENT_CARD NATIONAL_ID"`
	ID        string          `json:"id" validate:"required,max=64"`
	Name      string          `json:"name" validate:"required,max=255"`
	BirthYear int             `json:"birth_year" validate:"required,gt=1900"`
	Email     string          `json:"email" validate:"omitempty,email,max=255"`
	Phone     string          `json:"phone" validate:"omitempty,max=64"`
	Password  string          `json:"password" validate:"required,min=4,max=72"`
}

// AccountService registers students and checks credentials.
type AccountService interface {
	Register(ctx context.Context, reg Registration) (*models.User, error)
	// Login reports whether id and password match a stored account.
	Login(ctx context.Context, id, password string) (bool, error)
	Authenticate(ctx context.Context, id, password string) (*models.User, error)
	// EnsureAdmin creates the admin account if it does not exist yet.
	EnsureAdmin(ctx context.Context, id, password string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type AccountConfig struct {
	Policy Policy
	// WelcomeAttachment is attached to the welcome mail; skipped if absent.
	WelcomeAttachment string
}

type accountService struct {
	db       *gorm.DB
	userRepo repositories.UserRepository
	notifier notify.Notifier
	validate *validator.Validate
	cfg      AccountConfig
}

func NewAccountService(db *gorm.DB, userRepo repositories.UserRepository, notifier notify.Notifier, cfg AccountConfig) AccountService {
	return &accountService{
		db:       db,
		userRepo: userRepo,
		notifier: notifier,
		validate: validator.New(),
		cfg:      cfg,
	}
}

// Register validates the form, applies the identity policy of its card type
// and stores a new student with a bcrypt-hashed password.
func (s *accountService) Register(ctx context.Context, reg Registration) (*models.User, error) {
	reg.ID = strings.TrimSpace(reg.ID)
	reg.Name = strings.TrimSpace(reg.Name)
	reg.Email = strings.TrimSpace(reg.Email)

	if err := s.validate.Struct(reg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, invalidInput("%s failed %q", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	switch reg.CardType {
	case models.CardTypeStudentCard:
		if !ValidStudentCard(reg.ID, s.cfg.Policy.CardYear) {
			return nil, invalidInput("student card %s is outside the accepted intake years", reg.ID)
		}
	case models.CardTypeNationalID:
		if !ValidNationalIDAge(reg.BirthYear, s.cfg.Policy.CurrentYear) {
			return nil, invalidInput("age must be between %d and %d", MinNationalIDAge, MaxNationalIDAge)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           reg.ID,
		Name:         reg.Name,
		Email:        reg.Email,
		Phone:        reg.Phone,
		PasswordHash: string(hash),
		Role:         models.UserRoleStudent,
		Student: models.StudentProfile{
			CardType:  reg.CardType,
			BirthYear: reg.BirthYear,
		},
	}
	if err := s.create(ctx, user); err != nil {
		return nil, err
	}
	log.Info().Str("user", user.ID).Str("card_type", string(reg.CardType)).Msg("Register: student registered")

	if user.Email != "" {
		s.notifier.Notify(notify.Message{
			To:             user.Email,
			Subject:        "Welcome to Smart Borrow System",
			Body:           "Registration successful!\n\nAttached is the User Manual / Rules for borrowing items.",
			AttachmentPath: s.cfg.WelcomeAttachment,
		})
	}
	return user, nil
}

func (s *accountService) create(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.userRepo.Exists(tx, user.ID)
		if err != nil {
			return err
		}
		if exists {
			return ErrUserExists
		}
		if err := s.userRepo.Create(tx, user); err != nil {
			log.Error().Err(err).Str("user", user.ID).Msg("create: failed to insert user")
			return err
		}
		return nil
	})
}

func (s *accountService) Authenticate(ctx context.Context, id, password string) (*models.User, error) {
	user, err := s.userRepo.GetByID(s.db.WithContext(ctx), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		log.Warn().Str("user", id).Msg("Authenticate: password mismatch")
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *accountService) Login(ctx context.Context, id, password string) (bool, error) {
	_, err := s.Authenticate(ctx, id, password)
	if errors.Is(err, ErrInvalidCredentials) {
		return false, nil
	}
	return err == nil, err
}

func (s *accountService) EnsureAdmin(ctx context.Context, id, password string) (*models.User, error) {
	existing, err := s.userRepo.GetByID(s.db.WithContext(ctx), id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if password == "" {
		return nil, invalidInput("admin password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	admin := &models.User{
		ID:           id,
		Name:         "Administrator",
		PasswordHash: string(hash),
		Role:         models.UserRoleAdmin,
	}
	if err := s.create(ctx, admin); err != nil {
		return nil, err
	}
	log.Info().Str("user", id).Msg("EnsureAdmin: admin created")
	return admin, nil
}

func (s *accountService) GetUser(ctx context.Context, id string) (*models.User, error) {
	user, err := s.userRepo.GetByID(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return user, nil
}
