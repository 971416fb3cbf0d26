package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/quota"
	"github.com/jexlab/jexagent/pkg/runtime"
	"github.com/jexlab/jexagent/pkg/store"
)

// createTaskRequest is the POST /tasks body.
type createTaskRequest struct {
	Scene     string `json:"scene" binding:"required"`
	UserInput string `json:"user_input" binding:"required"`
}

// submitAnswersRequest is the POST /tasks/:id/answers body. Answers are
// keyed by question id; the intermediate state is passed through opaquely
// and validated by the runtime.
type submitAnswersRequest struct {
	Answers           map[int]string  `json:"answers"`
	IntermediateState json.RawMessage `json:"intermediate_state"`
}

func (s *Server) createTaskHandler(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.tasks.CreateTask(c.Request.Context(), currentUser(c), req.Scene, req.UserInput)
	if err != nil {
		if errors.Is(err, quota.ErrExhausted) {
			c.JSON(http.StatusForbidden, gin.H{"error": "daily quota exhausted"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task creation failed"})
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) submitAnswersHandler(c *gin.Context) {
	task, ok := s.ownedTask(c)
	if !ok {
		return
	}
	if task.Status != models.StatusInquiring {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "task not awaiting answers", "status": task.Status})
		return
	}

	var req submitAnswersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.tasks.SubmitAnswers(c.Request.Context(), task.ID, req.Answers, req.IntermediateState)
	if err != nil {
		var validation *runtime.ValidationError
		switch {
		case errors.As(err, &validation):
			c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message})
		case errors.Is(err, runtime.ErrAlreadyProcessed):
			c.JSON(http.StatusBadRequest, gin.H{"error": "answers already processed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "answer submission failed"})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) startProcessingHandler(c *gin.Context) {
	task, ok := s.ownedTask(c)
	if !ok {
		return
	}

	result, err := s.tasks.StartProcessing(c.Request.Context(), task.ID)
	if err != nil {
		if errors.Is(err, runtime.ErrAlreadyProcessed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "task not ready for processing"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start processing"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) cancelTaskHandler(c *gin.Context) {
	task, ok := s.ownedTask(c)
	if !ok {
		return
	}
	if cancelled := s.tasks.Cancel(task.ID); !cancelled {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running job for task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "message": "cancellation requested"})
}

func (s *Server) getTaskHandler(c *gin.Context) {
	task, ok := s.ownedTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) listTasksHandler(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	list, err := s.tasks.ListTasks(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing tasks failed"})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getProgressHandler(c *gin.Context) {
	task, ok := s.ownedTask(c)
	if !ok {
		return
	}

	items, err := s.broker.FullProgress(c.Request.Context(), task.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reading progress failed"})
		return
	}
	if items == nil {
		items = []models.ProgressItem{}
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, items)
}

// ownedTask loads the :id task and enforces ownership: 404 when missing,
// 403 on mismatch. Returns ok=false after writing the error response.
func (s *Server) ownedTask(c *gin.Context) (*models.Task, bool) {
	task, err := s.tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "loading task failed"})
		}
		return nil, false
	}
	if task.UserID != currentUser(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your task"})
		return nil, false
	}
	return task, true
}
