package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"smartborrow/internal/lock"
	"smartborrow/internal/models"
	"smartborrow/internal/services"
)

// Deps holds what the HTTP layer needs. Metrics and Ping are optional.
// Clock defaults to time.Now and should match the borrow service's clock.
type Deps struct {
	Borrow   services.BorrowService
	Accounts services.AccountService
	Tokens   *Tokens
	Metrics  http.Handler
	Ping     func(ctx context.Context) error
	Clock    func() time.Time
}

type Handler struct {
	borrow   services.BorrowService
	accounts services.AccountService
	tokens   *Tokens
	ping     func(ctx context.Context) error
	now      func() time.Time
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	h := &Handler{borrow: d.Borrow, accounts: d.Accounts, tokens: d.Tokens, ping: d.Ping, now: d.Clock}
	if h.now == nil {
		h.now = time.Now
	}

	r.Use(requestLogger())

	// Ops endpoints
	r.GET("/healthz", h.healthz)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	// Public endpoints
	r.POST("/auth/register", h.register)
	r.POST("/auth/login", h.login)
	r.GET("/items", h.listItems)

	authed := r.Group("/", h.authenticate())

	// Student endpoints
	student := authed.Group("/", requireRole(models.UserRoleStudent))
	student.POST("/items/:id/requests", h.submitRequest)
	student.GET("/me/requests", h.listMyRequests)
	student.GET("/me/records", h.listMyRecords)

	// Admin endpoints
	admin := authed.Group("/", requireRole(models.UserRoleAdmin))
	admin.POST("/items", h.createItem)
	admin.GET("/requests/pending", h.listPendingRequests)
	admin.POST("/requests/:id/approve", h.resolve(models.DecisionApprove))
	admin.POST("/requests/:id/reject", h.resolve(models.DecisionReject))
	admin.GET("/records/active", h.listActiveRecords)
	admin.GET("/records/:id/fine", h.quoteFine)
	admin.POST("/records/:id/return", h.returnRecord)
	admin.POST("/records/:id/remind", h.remind)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("http")
	}
}

func (h *Handler) healthz(c *gin.Context) {
	if h.ping != nil {
		if err := h.ping(c.Request.Context()); err != nil {
			log.Error().Err(err).Msg("healthz: database unreachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

func (h *Handler) register(c *gin.Context) {
	var req services.Registration
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.accounts.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type loginRequest struct {
	ID       string `json:"id" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.accounts.Authenticate(c.Request.Context(), req.ID, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	token, exp, err := h.tokens.Issue(user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": exp.UTC(),
		"user":       user,
	})
}

// ─── Catalog ──────────────────────────────────────────────────────────────────

type createItemRequest struct {
	ID       string `json:"id" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Category string `json:"category" binding:"required"`
	TotalQty int    `json:"total_qty" binding:"required,min=1"`
}

func (h *Handler) createItem(c *gin.Context) {
	var req createItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.borrow.CreateItem(c.Request.Context(), req.ID, req.Name, req.Category, req.TotalQty)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) listItems(c *gin.Context) {
	items, err := h.borrow.ListItems(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// ─── Requests ─────────────────────────────────────────────────────────────────

type submitRequestBody struct {
	Kind      models.RequestKind `json:"kind" binding:"required"`
	ExtraDays int                `json:"extra_days"`
}

func (h *Handler) submitRequest(c *gin.Context) {
	var body submitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind := models.RequestKind(strings.ToUpper(string(body.Kind)))

	req, err := h.borrow.SubmitRequest(c.Request.Context(), currentUser(c), c.Param("id"), kind, body.ExtraDays)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *Handler) listMyRequests(c *gin.Context) {
	reqs, err := h.borrow.ListUserRequests(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

func (h *Handler) listPendingRequests(c *gin.Context) {
	reqs, err := h.borrow.ListPendingRequests(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

func (h *Handler) resolve(decision models.Decision) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
			return
		}

		res, err := h.borrow.ResolveRequest(c.Request.Context(), requestID, decision)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ─── Records ──────────────────────────────────────────────────────────────────

func (h *Handler) listMyRecords(c *gin.Context) {
	recs, err := h.borrow.ListUserRecords(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *Handler) listActiveRecords(c *gin.Context) {
	recs, err := h.borrow.ListActiveRecords(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *Handler) quoteFine(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}
	date, err := h.parseDate(c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}

	fine, err := h.borrow.QuoteReturn(c.Request.Context(), recordID, date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": recordID, "date": date.Format(time.DateOnly), "fine": fine})
}

type returnRequest struct {
	ReturnDate  string `json:"return_date"`
	ConfirmFine bool   `json:"confirm_fine"`
}

func (h *Handler) returnRecord(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}
	var req returnRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	date, err := h.parseDate(req.ReturnDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "return_date must be YYYY-MM-DD"})
		return
	}

	rec, err := h.borrow.ProcessReturn(c.Request.Context(), recordID, date, req.ConfirmFine)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) remind(c *gin.Context) {
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}

	if err := h.borrow.SendReminder(c.Request.Context(), recordID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// parseDate reads a YYYY-MM-DD date; empty means today.
func (h *Handler) parseDate(s string) (time.Time, error) {
	if s == "" {
		return h.now().UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

// writeError maps workflow errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var fine *services.FineConfirmationError
	if errors.As(err, &fine) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "fine": fine.Fine})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, services.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, services.ErrItemNotFound),
		errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrRequestNotFound),
		errors.Is(err, services.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrDuplicateActiveLoan),
		errors.Is(err, services.ErrDuplicatePendingRequest),
		errors.Is(err, services.ErrOutOfStock),
		errors.Is(err, services.ErrAlreadyReturned),
		errors.Is(err, services.ErrRequestNotPending),
		errors.Is(err, services.ErrUserExists),
		errors.Is(err, services.ErrItemExists):
		status = http.StatusConflict
	case errors.Is(err, lock.ErrLockAcquire),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
