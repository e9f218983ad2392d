package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/confhub/confhub/internal/audit"
	cerrors "github.com/confhub/confhub/pkg/errors"
	"github.com/confhub/confhub/pkg/models"
)

// envelope is the uniform response wrapper: code 0 for success, the HTTP
// status for errors.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Errors  []string    `json:"errors,omitempty"`
}

func (s *Server) ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Code: 0, Message: "success", Data: data})
}

// writeError maps a typed service error onto the envelope; the HTTP status
// mirrors the error kind.
func (s *Server) writeError(c *gin.Context, err error) {
	status := cerrors.StatusOf(err)
	resp := envelope{Code: status, Message: err.Error()}

	var e *cerrors.Error
	if cerrors.As(err, &e) {
		resp.Message = e.Message
		for _, f := range e.Fields {
			resp.Errors = append(resp.Errors, f.Error())
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, resp)
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: err.Error()})
}

// actor extracts operator identity for the audit trail. Operator comes from
// the x-operator header, defaulting to "system".
func actor(c *gin.Context) models.Actor {
	operator := c.GetHeader("x-operator")
	if operator == "" {
		operator = "system"
	}
	return models.Actor{
		Operator:  operator,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

func entryID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// GET /api/v1/configs
func (s *Server) handleListConfigs(c *gin.Context) {
	service := c.Query("service_name")
	env := c.Query("environment")
	if service == "" || env == "" {
		c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest,
			Message: "service_name and environment are required"})
		return
	}
	page, pageSize := pageParams(c)

	result, err := s.configSvc.List(c.Request.Context(), service, env, page, pageSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusOK, result)
}

// POST /api/v1/configs
func (s *Server) handleCreateConfig(c *gin.Context) {
	var req models.CreateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	entry, err := s.configSvc.Create(c.Request.Context(), &req, actor(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusCreated, entry)
}

// POST /api/v1/configs/batch
func (s *Server) handleBatchGet(c *gin.Context) {
	var req models.BatchGetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	resp, err := s.configSvc.BatchGet(c.Request.Context(), req.ServiceName, req.Environment, req.Keys)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusOK, resp)
}

// GET /api/v1/configs/by-key
func (s *Server) handleGetConfigByKey(c *gin.Context) {
	service := c.Query("service_name")
	env := c.Query("environment")
	key := c.Query("key")
	if service == "" || env == "" || key == "" {
		c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest,
			Message: "service_name, environment and key are required"})
		return
	}

	entry, err := s.configSvc.GetByKey(c.Request.Context(), service, env, key)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusOK, entry)
}

// GET /api/v1/configs/:id
func (s *Server) handleGetConfig(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "invalid config id"})
		return
	}

	entry, err := s.configSvc.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusOK, entry)
}

// PUT /api/v1/configs/:id
func (s *Server) handleUpdateConfig(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "invalid config id"})
		return
	}
	var req models.UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	entry, err := s.configSvc.Update(c.Request.Context(), id, &req, actor(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusOK, entry)
}

// DELETE /api/v1/configs/:id
func (s *Server) handleDeleteConfig(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "invalid config id"})
		return
	}

	if err := s.configSvc.Delete(c.Request.Context(), id, actor(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusOK, nil)
}

// GET /api/v1/configs/:id/versions
func (s *Server) handleVersionHistory(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "invalid config id"})
		return
	}
	page, pageSize := pageParams(c)

	result, err := s.configSvc.History(c.Request.Context(), id, page, pageSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusOK, result)
}

// POST /api/v1/configs/:id/rollback
func (s *Server) handleRollback(c *gin.Context) {
	id, ok := entryID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest, Message: "invalid config id"})
		return
	}
	var req models.RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	entry, err := s.configSvc.Rollback(c.Request.Context(), id, req.TargetVersion, req.RollbackReason, actor(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusOK, entry)
}

// GET /api/v1/audit-logs
func (s *Server) handleAuditLogs(c *gin.Context) {
	filter := audit.Filter{
		ServiceName:   c.Query("service_name"),
		Environment:   c.Query("environment"),
		Operator:      c.Query("operator"),
		OperationType: c.Query("operation_type"),
	}
	if v := c.Query("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest,
				Message: "start_time must be RFC3339"})
			return
		}
		filter.StartTime = &t
	}
	if v := c.Query("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, envelope{Code: http.StatusBadRequest,
				Message: "end_time must be RFC3339"})
			return
		}
		filter.EndTime = &t
	}
	page, pageSize := pageParams(c)

	result, err := s.auditSvc.Query(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ok(c, http.StatusOK, result)
}
