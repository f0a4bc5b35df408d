// Package api contains the HTTP handlers for the approval service
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/blingmoon/buyplan-approval/workflow"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// ActorHeader 调用方身份, 认证由网关完成
const ActorHeader = "X-Actor-ID"

const maxPageSize = 100

// Server holds the dependencies for the API server.
type Server struct {
	service workflow.WorkflowService
}

// NewServer creates a new Server.
func NewServer(service workflow.WorkflowService) *Server {
	return &Server{service: service}
}

// RegisterHandlers 注册工作流相关的路由
func RegisterHandlers(g *echo.Group, s *Server) {
	g.POST("/workflows", s.CreateWorkflow)
	g.GET("/workflows", s.ListWorkflows)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.POST("/workflows/:id/steps/:step/decision", s.DecideStep)
	g.POST("/workflows/:id/cancel", s.CancelWorkflow)
}

type createWorkflowRequest struct {
	WorkflowType  string         `json:"workflow_type"`
	ReferenceType string         `json:"reference_type"`
	ReferenceID   string         `json:"reference_id"`
	Context       map[string]any `json:"context"`
}

type decisionRequest struct {
	Action  string `json:"action"`
	Comment string `json:"comment"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type listWorkflowsResponse struct {
	Items    []*workflow.WorkflowInstance `json:"items"`
	Total    int64                        `json:"total"`
	Page     int64                        `json:"page"`
	PageSize int64                        `json:"page_size"`
}

// CreateWorkflow 发起审批, 发起人是 X-Actor-ID
// (POST /workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	actorID, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	instance, err := s.service.CreateWorkflow(c.Request().Context(), &workflow.CreateWorkflowReq{
		WorkflowType:  req.WorkflowType,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		InitiatedBy:   actorID,
		Context:       req.Context,
	})
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.JSON(http.StatusCreated, instance)
}

// GetWorkflow (GET /workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	workflowID, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	instance, err := s.service.GetWorkflow(c.Request().Context(), workflowID)
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, instance)
}

// ListWorkflows 按类型/业务对象/状态/发起人过滤, 不返回节点
// (GET /workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	page, err := int64Query(c, "page", 1)
	if err != nil {
		return err
	}
	pageSize, err := int64Query(c, "page_size", 20)
	if err != nil {
		return err
	}
	if page < 1 || pageSize < 1 || pageSize > maxPageSize {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid paging parameters")
	}

	params := &workflow.QueryWorkflowInstanceParams{}
	if v := c.QueryParam("workflow_type"); v != "" {
		params.WorkflowTypeIn = strings.Split(v, ",")
	}
	if v := c.QueryParam("status"); v != "" {
		params.StatusIn = strings.Split(v, ",")
	}
	if v := c.QueryParam("reference_type"); v != "" {
		params.ReferenceType = workflow.String(v)
	}
	if v := c.QueryParam("reference_id"); v != "" {
		params.ReferenceID = workflow.String(v)
	}
	if v := c.QueryParam("initiated_by"); v != "" {
		params.InitiatedBy = workflow.String(v)
	}

	ctx := c.Request().Context()
	total, err := s.service.CountWorkflowInstance(ctx, params)
	if err != nil {
		return toHTTPError(c, err)
	}
	params.Page = &workflow.Pager{Page: page, Size: pageSize}
	items, err := s.service.QueryWorkflowInstance(ctx, params)
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, &listWorkflowsResponse{Items: items, Total: total, Page: page, PageSize: pageSize})
}

// DecideStep 审批当前节点
// (POST /workflows/:id/steps/:step/decision)
func (s *Server) DecideStep(c echo.Context) error {
	actorID, err := actorFrom(c)
	if err != nil {
		return err
	}
	workflowID, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	stepNumber, err := int64Param(c, "step")
	if err != nil {
		return err
	}
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	result, err := s.service.ProcessDecision(c.Request().Context(), &workflow.ProcessDecisionReq{
		WorkflowID: workflowID,
		StepNumber: int(stepNumber),
		ActorID:    actorID,
		Action:     workflow.DecisionAction(req.Action),
		Comment:    req.Comment,
	})
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CancelWorkflow 发起人或管理员撤回
// (POST /workflows/:id/cancel)
func (s *Server) CancelWorkflow(c echo.Context) error {
	actorID, err := actorFrom(c)
	if err != nil {
		return err
	}
	workflowID, err := int64Param(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	instance, err := s.service.CancelWorkflow(c.Request().Context(), &workflow.CancelWorkflowReq{
		WorkflowID: workflowID,
		ActorID:    actorID,
		Reason:     req.Reason,
	})
	if err != nil {
		return toHTTPError(c, err)
	}
	return c.JSON(http.StatusOK, instance)
}

func actorFrom(c echo.Context) (string, error) {
	actorID := strings.TrimSpace(c.Request().Header.Get(ActorHeader))
	if actorID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Missing "+ActorHeader+" header")
	}
	return actorID, nil
}

func int64Param(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Invalid path parameter: "+name)
	}
	return v, nil
}

func int64Query(c echo.Context, name string, defaultValue int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Invalid query parameter: "+name)
	}
	return v, nil
}

// toHTTPError 把工作流错误翻译成给用户看的提示, 原始错误只记日志
func toHTTPError(c echo.Context, err error) error {
	ctx := c.Request().Context()
	switch {
	case errors.Is(err, workflow.ErrWorkflowParamInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, "The request is invalid, please check the input")
	case errors.Is(err, workflow.ErrWorkflowInstanceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Approval workflow not found")
	case errors.Is(err, workflow.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, "You are not authorized to approve this step")
	case errors.Is(err, workflow.ErrWorkflowTerminal), errors.Is(err, workflow.ErrStaleStep):
		return echo.NewHTTPError(http.StatusConflict, "This item has already been decided")
	case errors.Is(err, workflow.ErrConcurrentModification):
		return echo.NewHTTPError(http.StatusConflict, "This item was just updated by someone else, please refresh and retry")
	case errors.Is(err, workflow.ErrUnknownWorkflowType):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "Unknown approval type")
	case errors.Is(err, workflow.ErrChainBuildFailed):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "No approval chain could be built for this request")
	}
	msg := fmt.Sprintf("workflow api failed, path: %s, err: %v", c.Path(), err)
	if workflow.IsSeriousError(err) {
		slog.ErrorContext(ctx, msg)
	} else {
		slog.WarnContext(ctx, msg)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "Something went wrong, please retry later")
}
