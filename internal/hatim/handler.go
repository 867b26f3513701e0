package hatim

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hatim-circle/backend/internal/middleware"
	"github.com/hatim-circle/backend/internal/models"
	"github.com/hatim-circle/backend/pkg/response"
)

// Handler serves the /hatim routes.
type Handler struct {
	registry *Registry
	logger   *zap.Logger
}

// NewHandler creates a hatim handler.
func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes mounts the /hatim group on router. requireAuth guards every
// route that acts on behalf of a caller; optionalAuth identifies callers of
// the read route so members can see private hatims.
func (h *Handler) RegisterRoutes(router gin.IRouter, requireAuth, optionalAuth gin.HandlerFunc) {
	g := router.Group("/hatim")

	g.GET("/list", h.ListPublic)
	g.GET("/:hatimId", optionalAuth, h.Get)

	g.POST("", requireAuth, h.Create)
	g.PATCH("/:hatimId/status", requireAuth, h.SetStatus)
	g.POST("/:hatimId/juz/:juzNumber/claim", requireAuth, h.ClaimPart)

	g.POST("/group/:hatimId/join-request", requireAuth, h.SubmitJoinRequest)
	g.GET("/group/:hatimId/join-requests", requireAuth, h.ListJoinRequests)
	g.POST("/group/:hatimId/join-requests/:userId/respond", requireAuth, h.RespondToJoinRequest)

	g.DELETE("/juz/:juzId", requireAuth, h.DeletePart)
	g.POST("/juz/:juzId/complete", requireAuth, h.CompletePart)
	g.POST("/juz/:juzId/release", requireAuth, h.ReleasePart)
}

// CreateRequest is the body for POST /hatim.
type CreateRequest struct {
	Title     string    `json:"title" binding:"required,max=200"`
	Kind      string    `json:"kind" binding:"required,hatimkind"`
	StartDate time.Time `json:"start_date" binding:"required"`
	EndDate   time.Time `json:"end_date" binding:"required,gtefield=StartDate"`
	IsPrivate bool      `json:"is_private"`
}

// StatusRequest is the body for PATCH /hatim/:hatimId/status.
type StatusRequest struct {
	Status string `json:"status" binding:"required,hatimstatus"`
}

// RespondRequest is the body for the respond route. Approved is a pointer so
// a missing field is told apart from false.
type RespondRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

type claimURI struct {
	HatimID   string `uri:"hatimId" binding:"required,uuid"`
	JuzNumber int    `uri:"juzNumber" binding:"required,juz"`
}

func (h *Handler) caller(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "missing caller identity")
		return uuid.Nil, false
	}
	return id, true
}

func parseID(c *gin.Context, param, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.BadRequest(c, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}

// ListPublic handles GET /hatim/list.
func (h *Handler) ListPublic(c *gin.Context) {
	list, err := h.registry.ListPublic(c.Request.Context())
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /hatim/:hatimId. Private hatims answer 404 unless the
// caller is their admin or a participant.
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c, "hatimId", "hatim")
	if !ok {
		return
	}
	viewer, _ := middleware.UserID(c)
	hatim, err := h.registry.View(c.Request.Context(), id, viewer)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, hatim)
}

// Create handles POST /hatim. The caller becomes admin and first participant.
func (h *Handler) Create(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}
	var body CreateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, bindingMessage(err))
		return
	}
	hatim, err := h.registry.Create(c.Request.Context(), userID, CreateInput{
		Title:     body.Title,
		Kind:      models.HatimKind(body.Kind),
		StartDate: body.StartDate,
		EndDate:   body.EndDate,
		IsPrivate: body.IsPrivate,
	})
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.Created(c, hatim)
}

// SetStatus handles PATCH /hatim/:hatimId/status.
func (h *Handler) SetStatus(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "hatimId", "hatim")
	if !ok {
		return
	}
	var body StatusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, bindingMessage(err))
		return
	}
	hatim, err := h.registry.SetStatus(c.Request.Context(), id, models.HatimStatus(body.Status), userID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, hatim)
}

// ClaimPart handles POST /hatim/:hatimId/juz/:juzNumber/claim.
func (h *Handler) ClaimPart(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}
	var uri claimURI
	if err := c.ShouldBindUri(&uri); err != nil {
		response.BadRequest(c, bindingMessage(err))
		return
	}
	part, err := h.registry.AssignPart(c.Request.Context(), uuid.MustParse(uri.HatimID), uri.JuzNumber, userID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.Created(c, part)
}

// SubmitJoinRequest handles POST /hatim/group/:hatimId/join-request.
func (h *Handler) SubmitJoinRequest(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "hatimId", "hatim")
	if !ok {
		return
	}
	applicant := models.UserSummary{ID: userID}
	if claims, ok := middleware.Claims(c); ok {
		applicant.Email, applicant.FullName = claims.Email, claims.FullName
	}
	if err := h.registry.SubmitJoinRequest(c.Request.Context(), id, applicant); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OKMessage(c, "join request submitted")
}

// ListJoinRequests handles GET /hatim/group/:hatimId/join-requests. Admin only.
func (h *Handler) ListJoinRequests(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "hatimId", "hatim")
	if !ok {
		return
	}
	users, err := h.registry.ListJoinRequests(c.Request.Context(), id, userID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, users)
}

// RespondToJoinRequest handles POST /hatim/group/:hatimId/join-requests/:userId/respond.
func (h *Handler) RespondToJoinRequest(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}
	hatimID, ok := parseID(c, "hatimId", "hatim")
	if !ok {
		return
	}
	targetID, ok := parseID(c, "userId", "user")
	if !ok {
		return
	}
	var body RespondRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "approved must be true or false")
		return
	}
	if err := h.registry.RespondToJoinRequest(c.Request.Context(), hatimID, targetID, *body.Approved, userID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if *body.Approved {
		response.OKMessage(c, "join request approved")
		return
	}
	response.OKMessage(c, "join request rejected")
}

// DeletePart handles DELETE /hatim/juz/:juzId.
func (h *Handler) DeletePart(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "juzId", "juz")
	if !ok {
		return
	}
	if err := h.registry.DeletePart(c.Request.Context(), id, userID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OKMessage(c, "juz deleted")
}

// CompletePart handles POST /hatim/juz/:juzId/complete.
func (h *Handler) CompletePart(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "juzId", "juz")
	if !ok {
		return
	}
	part, err := h.registry.MarkCompleted(c.Request.Context(), id, userID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OK(c, part)
}

// ReleasePart handles POST /hatim/juz/:juzId/release.
func (h *Handler) ReleasePart(c *gin.Context) {
	userID, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "juzId", "juz")
	if !ok {
		return
	}
	if err := h.registry.ReleasePart(c.Request.Context(), id, userID); err != nil {
		response.Error(c, h.logger, err)
		return
	}
	response.OKMessage(c, "juz released")
}
