// Package api exposes the workflow facade as a JSON HTTP API.
package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/songzhibin97/shopfloor-flow/facade"
	"github.com/songzhibin97/shopfloor-flow/feedback"
	"github.com/songzhibin97/shopfloor-flow/metrics"
	"github.com/songzhibin97/shopfloor-flow/planning"
	"github.com/songzhibin97/shopfloor-flow/types"
	"github.com/songzhibin97/shopfloor-flow/workflow"
)

// Service is the part of facade.Facade the handlers call.
type Service interface {
	ListWorkflowsWhere(ctx context.Context, kind types.Kind, expression string) ([]types.WorkflowItem, error)
	GetWorkflow(ctx context.Context, id string) (types.WorkflowItem, error)
	CreateWorkflow(ctx context.Context, kind types.Kind, attributes map[string]interface{}, opts ...workflow.CreateOption) (types.WorkflowItem, error)
	AdvanceWorkflow(ctx context.Context, id, targetStage, actor string) (types.WorkflowItem, error)
	RejectWorkflow(ctx context.Context, id, reason, actor string) (types.WorkflowItem, error)
	RecordAction(ctx context.Context, id string, patch map[string]interface{}, actor string) (types.WorkflowItem, error)
	Dashboard(ctx context.Context, kind types.Kind) (metrics.Summary, error)
	HiringGap(ctx context.Context, customerDI, forecast float64) (float64, error)
	ListFeedback(ctx context.Context, view types.Role, viewer string) ([]types.FeedbackThread, error)
	PostFeedback(ctx context.Context, from, to string, typ types.FeedbackType, message string, opts ...feedback.PostOption) (types.FeedbackThread, error)
	Reply(ctx context.Context, threadID, from, message string) (types.FeedbackThread, error)
	SetFeedbackStatus(ctx context.Context, threadID string, status types.FeedbackStatus, actor types.Actor) (types.FeedbackThread, error)
	Overview(ctx context.Context) (facade.Overview, error)
	CreatePlan(ctx context.Context, in planning.Input, opts ...planning.CreateOption) (types.ManpowerPlan, error)
	GetPlan(ctx context.Context, id string) (types.ManpowerPlan, error)
	ListPlans(ctx context.Context) ([]types.ManpowerPlan, error)
	SetPlanStatus(ctx context.Context, id string, status types.PlanStatus, actor types.Actor) (types.ManpowerPlan, error)
	RecordGateReading(ctx context.Context, id string, reading types.GateReading) (types.ManpowerPlan, error)
	PlanHiringGap(ctx context.Context, id string) (float64, error)
}

// Handler serves the workflow and feedback endpoints.
type Handler struct {
	svc Service
}

// NewHandler creates a Handler over svc.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(svc Service, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(RequestID(logger), AccessLog(), Recovery())
	router.NoRoute(noRoute)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": requestID(c)})
	})

	NewHandler(svc).Register(router.Group("/api"))
	return router
}

// Register mounts the routes on group.
func (h *Handler) Register(group *gin.RouterGroup) {
	workflows := group.Group("/workflows")
	{
		workflows.GET("", h.ListWorkflows)
		workflows.POST("", h.CreateWorkflow)
		workflows.GET("/:id", h.GetWorkflow)
		workflows.POST("/:id/advance", h.AdvanceWorkflow)
		workflows.POST("/:id/reject", h.RejectWorkflow)
		workflows.PATCH("/:id/attributes", h.RecordAction)
	}

	group.GET("/overview", h.Overview)
	group.GET("/dashboard/:kind", h.Dashboard)
	group.GET("/metrics/hiring-gap", h.HiringGap)

	plans := group.Group("/plans")
	{
		plans.GET("", h.ListPlans)
		plans.POST("", h.CreatePlan)
		plans.GET("/:id", h.GetPlan)
		plans.PUT("/:id/status", h.SetPlanStatus)
		plans.POST("/:id/gate", h.RecordGateReading)
		plans.GET("/:id/hiring-gap", h.PlanHiringGap)
	}

	fb := group.Group("/feedback")
	{
		fb.GET("", h.ListFeedback)
		fb.POST("", h.PostFeedback)
		fb.POST("/:id/replies", h.Reply)
		fb.PUT("/:id/status", h.SetFeedbackStatus)
	}
}

// bindJSON binds the body, answering 422 on failure.
func bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		respondError(c, fmt.Errorf("%w: body: %v", types.ErrValidationFailed, err))
		return false
	}
	return true
}

// respond writes result under key, or the error envelope.
func respond[T any](c *gin.Context, status int, key string, result T, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, gin.H{key: result})
}

// ListWorkflows handles GET /api/workflows?kind=&filter=
func (h *Handler) ListWorkflows(c *gin.Context) {
	kind := types.Kind(c.Query("kind"))
	items, err := h.svc.ListWorkflowsWhere(c.Request.Context(), kind, c.Query("filter"))
	respond(c, http.StatusOK, "workflows", items, err)
}

// CreateWorkflowRequest is the body of POST /api/workflows.
type CreateWorkflowRequest struct {
	Kind       types.Kind             `json:"kind" binding:"required"`
	ID         string                 `json:"id"`
	Attributes map[string]interface{} `json:"attributes"`
}

// CreateWorkflow handles POST /api/workflows
func (h *Handler) CreateWorkflow(c *gin.Context) {
	var req CreateWorkflowRequest
	if !bindJSON(c, &req) {
		return
	}
	var opts []workflow.CreateOption
	if id := strings.TrimSpace(req.ID); id != "" {
		opts = append(opts, workflow.WithID(id))
	}
	item, err := h.svc.CreateWorkflow(c.Request.Context(), req.Kind, req.Attributes, opts...)
	respond(c, http.StatusCreated, "workflow", item, err)
}

// GetWorkflow handles GET /api/workflows/:id
func (h *Handler) GetWorkflow(c *gin.Context) {
	item, err := h.svc.GetWorkflow(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, "workflow", item, err)
}

// AdvanceRequest is the body of POST /api/workflows/:id/advance.
type AdvanceRequest struct {
	Stage string `json:"stage" binding:"required"`
	Actor string `json:"actor" binding:"required"`
}

// AdvanceWorkflow handles POST /api/workflows/:id/advance
func (h *Handler) AdvanceWorkflow(c *gin.Context) {
	var req AdvanceRequest
	if !bindJSON(c, &req) {
		return
	}
	item, err := h.svc.AdvanceWorkflow(c.Request.Context(), c.Param("id"), req.Stage, req.Actor)
	respond(c, http.StatusOK, "workflow", item, err)
}

// RejectRequest is the body of POST /api/workflows/:id/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor" binding:"required"`
}

// RejectWorkflow handles POST /api/workflows/:id/reject
func (h *Handler) RejectWorkflow(c *gin.Context) {
	var req RejectRequest
	if !bindJSON(c, &req) {
		return
	}
	item, err := h.svc.RejectWorkflow(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	respond(c, http.StatusOK, "workflow", item, err)
}

// RecordActionRequest is the body of PATCH /api/workflows/:id/attributes.
type RecordActionRequest struct {
	Attributes map[string]interface{} `json:"attributes" binding:"required"`
	Actor      string                 `json:"actor" binding:"required"`
}

// RecordAction handles PATCH /api/workflows/:id/attributes
func (h *Handler) RecordAction(c *gin.Context) {
	var req RecordActionRequest
	if !bindJSON(c, &req) {
		return
	}
	item, err := h.svc.RecordAction(c.Request.Context(), c.Param("id"), req.Attributes, req.Actor)
	respond(c, http.StatusOK, "workflow", item, err)
}

// Dashboard handles GET /api/dashboard/:kind
func (h *Handler) Dashboard(c *gin.Context) {
	summary, err := h.svc.Dashboard(c.Request.Context(), types.Kind(c.Param("kind")))
	respond(c, http.StatusOK, "summary", summary, err)
}

// HiringGap handles GET /api/metrics/hiring-gap?customer_di=&forecast=
func (h *Handler) HiringGap(c *gin.Context) {
	customerDI, err := floatQuery(c, "customer_di")
	if err != nil {
		respondError(c, err)
		return
	}
	forecast, err := floatQuery(c, "forecast")
	if err != nil {
		respondError(c, err)
		return
	}
	gap, err := h.svc.HiringGap(c.Request.Context(), customerDI, forecast)
	respond(c, http.StatusOK, "hiring_gap_percent", gap, err)
}

func floatQuery(c *gin.Context, name string) (float64, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return 0, fmt.Errorf("%w: query parameter %s is required", types.ErrValidationFailed, name)
	}
	v, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: query parameter %s: %v", types.ErrValidationFailed, name, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: query parameter %s must be finite", types.ErrValidationFailed, name)
	}
	return v, nil
}

// Overview handles GET /api/overview
func (h *Handler) Overview(c *gin.Context) {
	overview, err := h.svc.Overview(c.Request.Context())
	respond(c, http.StatusOK, "overview", overview, err)
}

// ListPlans handles GET /api/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.svc.ListPlans(c.Request.Context())
	respond(c, http.StatusOK, "plans", plans, err)
}

// CreatePlanRequest is the body of POST /api/plans.
type CreatePlanRequest struct {
	ID string `json:"id"`
	planning.Input
}

// CreatePlan handles POST /api/plans
func (h *Handler) CreatePlan(c *gin.Context) {
	var req CreatePlanRequest
	if !bindJSON(c, &req) {
		return
	}
	var opts []planning.CreateOption
	if id := strings.TrimSpace(req.ID); id != "" {
		opts = append(opts, planning.WithPlanID(id))
	}
	plan, err := h.svc.CreatePlan(c.Request.Context(), req.Input, opts...)
	respond(c, http.StatusCreated, "plan", plan, err)
}

// GetPlan handles GET /api/plans/:id
func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.svc.GetPlan(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, "plan", plan, err)
}

// PlanStatusRequest is the body of PUT /api/plans/:id/status.
type PlanStatusRequest struct {
	Status types.PlanStatus `json:"status" binding:"required"`
	Actor  string           `json:"actor" binding:"required"`
	Role   types.Role       `json:"role" binding:"required"`
}

// SetPlanStatus handles PUT /api/plans/:id/status
func (h *Handler) SetPlanStatus(c *gin.Context) {
	var req PlanStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	plan, err := h.svc.SetPlanStatus(c.Request.Context(), c.Param("id"), req.Status,
		types.Actor{Name: req.Actor, Role: req.Role})
	respond(c, http.StatusOK, "plan", plan, err)
}

// GateReadingRequest is the body of POST /api/plans/:id/gate.
type GateReadingRequest struct {
	Time  string `json:"time" binding:"required"`
	Entry int    `json:"entry"`
	Exit  int    `json:"exit"`
}

// RecordGateReading handles POST /api/plans/:id/gate
func (h *Handler) RecordGateReading(c *gin.Context) {
	var req GateReadingRequest
	if !bindJSON(c, &req) {
		return
	}
	plan, err := h.svc.RecordGateReading(c.Request.Context(), c.Param("id"),
		types.GateReading{Time: req.Time, Entry: req.Entry, Exit: req.Exit})
	respond(c, http.StatusOK, "plan", plan, err)
}

// PlanHiringGap handles GET /api/plans/:id/hiring-gap
func (h *Handler) PlanHiringGap(c *gin.Context) {
	gap, err := h.svc.PlanHiringGap(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, "hiring_gap_percent", gap, err)
}

// ListFeedback handles GET /api/feedback?view=&viewer=
func (h *Handler) ListFeedback(c *gin.Context) {
	view := types.Role(c.DefaultQuery("view", string(types.RoleEmployee)))
	threads, err := h.svc.ListFeedback(c.Request.Context(), view, c.Query("viewer"))
	respond(c, http.StatusOK, "threads", threads, err)
}

// PostFeedbackRequest is the body of POST /api/feedback.
type PostFeedbackRequest struct {
	From    string             `json:"from" binding:"required"`
	To      string             `json:"to" binding:"required"`
	Type    types.FeedbackType `json:"type" binding:"required"`
	Message string             `json:"message" binding:"required"`
}

// PostFeedback handles POST /api/feedback
func (h *Handler) PostFeedback(c *gin.Context) {
	var req PostFeedbackRequest
	if !bindJSON(c, &req) {
		return
	}
	thread, err := h.svc.PostFeedback(c.Request.Context(), req.From, req.To, req.Type, req.Message)
	respond(c, http.StatusCreated, "thread", thread, err)
}

// ReplyRequest is the body of POST /api/feedback/:id/replies.
type ReplyRequest struct {
	From    string `json:"from" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// Reply handles POST /api/feedback/:id/replies
func (h *Handler) Reply(c *gin.Context) {
	var req ReplyRequest
	if !bindJSON(c, &req) {
		return
	}
	thread, err := h.svc.Reply(c.Request.Context(), c.Param("id"), req.From, req.Message)
	respond(c, http.StatusOK, "thread", thread, err)
}

// SetStatusRequest is the body of PUT /api/feedback/:id/status.
type SetStatusRequest struct {
	Status types.FeedbackStatus `json:"status" binding:"required"`
	Actor  string               `json:"actor" binding:"required"`
	Role   types.Role           `json:"role" binding:"required"`
}

// SetFeedbackStatus handles PUT /api/feedback/:id/status
func (h *Handler) SetFeedbackStatus(c *gin.Context) {
	var req SetStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	thread, err := h.svc.SetFeedbackStatus(c.Request.Context(), c.Param("id"), req.Status,
		types.Actor{Name: req.Actor, Role: req.Role})
	respond(c, http.StatusOK, "thread", thread, err)
}
