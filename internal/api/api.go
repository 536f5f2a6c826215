// Package api is the HTTP surface of the task service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/service"
	"github.com/dreadew/taskiq-scheduler/internal/validate"
)

// Service is the part of service.Service the handlers use.
type Service interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	Status(ctx context.Context, id string) (job.Status, error)
	Result(ctx context.Context, id string) (map[string]any, error)
	Cancel(ctx context.Context, id string) error
	History(ctx context.Context, id string, limit int) ([]*job.Execution, error)
	List(ctx context.Context, status job.Status, limit int) ([]*job.Execution, error)
}

const submitSchema = `{
  "type": "object",
  "required": ["url", "ddl", "queries"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "ddl": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["statement"],
        "properties": {"statement": {"type": "string"}}
      }
    },
    "queries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["query"],
        "properties": {
          "queryid": {"type": "string"},
          "query": {"type": "string"},
          "runquantity": {"type": "integer", "minimum": 0},
          "executiontime": {"type": "integer", "minimum": 0}
        }
      }
    },
    "priority": {"type": "integer"},
    "task_id": {"type": "string"}
  }
}`

type submitBody struct {
	URL      string             `json:"url"`
	DDL      []job.DDLStatement `json:"ddl"`
	Queries  []job.Query        `json:"queries"`
	Priority *int               `json:"priority"`
	TaskID   string             `json:"task_id"`
}

type Server struct {
	svc    Service
	schema *jsonschema.Schema
	logger *slog.Logger
	engine *gin.Engine
}

func New(svc Service, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileSchema(submitSchema)
	if err != nil {
		return nil, err
	}
	s := &Server{svc: svc, schema: schema, logger: logger.With("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog)
	r.GET("/health", s.health)
	tasks := r.Group("/tasks")
	{
		tasks.POST("/new", s.submit)
		tasks.GET("/status", s.status)
		tasks.GET("/getresult", s.result)
		tasks.POST("/cancel", s.cancel)
		tasks.GET("/history", s.history)
		tasks.GET("", s.list)
	}
	s.engine = r
	return s, nil
}

func compileSchema(doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("submit.json", parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("submit.json")
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) submit(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body: " + err.Error()})
		return
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	var body submitBody
	if err := json.Unmarshal(raw, &body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	res, err := s.svc.Submit(c.Request.Context(), service.SubmitRequest{
		DSN:      body.URL,
		DDL:      body.DDL,
		Queries:  body.Queries,
		Priority: body.Priority,
		TaskID:   body.TaskID,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) status(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	st, err := s.svc.Status(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": id, "status": st})
}

func (s *Server) result(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	res, err := s.svc.Result(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": id, "result": res})
}

func (s *Server) cancel(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	if err := s.svc.Cancel(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) history(c *gin.Context) {
	id, ok := executionID(c)
	if !ok {
		return
	}
	list, err := s.svc.History(c.Request.Context(), id, queryInt(c, "limit", 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": nonNil(list)})
}

func (s *Server) list(c *gin.Context) {
	var status job.Status
	if raw := c.Query("status"); raw != "" {
		st, ok := job.ParseStatus(strings.ToUpper(raw))
		if !ok {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("unknown status %q", raw)})
			return
		}
		status = st
	}
	list, err := s.svc.List(c.Request.Context(), status, queryInt(c, "limit", 100))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": nonNil(list)})
}

// fail maps service errors onto status codes.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		admission *service.AdmissionError
		verr      *validate.ValidationError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "errors": verr.Errors, "warnings": verr.Warnings})
	case errors.As(err, &admission):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, job.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func executionID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Query("execution_id"))
	if id == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "execution_id is required"})
		return "", false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func nonNil(list []*job.Execution) []*job.Execution {
	if list == nil {
		return []*job.Execution{}
	}
	return list
}
