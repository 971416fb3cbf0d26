package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/store"
)

// wsWriteTimeout bounds a single event write to a client.
const wsWriteTimeout = 5 * time.Second

// wsSink bridges a websocket connection into the progress broker. Sends
// are serialized by the broker's dispatch path; the write timeout keeps a
// stalled client from blocking emission.
type wsSink struct {
	conn *websocket.Conn
	ctx  context.Context
}

// Send implements progress.Sink.
func (s *wsSink) Send(event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

// wsHandler upgrades the connection and subscribes it to a task's event
// stream. A client joining after completion still receives the buffered
// completion envelope. Blocks until the client disconnects.
func (s *Server) wsHandler(c *gin.Context) {
	taskID := c.Query("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	// Ownership check before the upgrade; the event stream carries the
	// full report.
	task, err := s.tasks.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "loading task failed"})
		}
		return
	}
	if task.UserID != currentUser(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your task"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.wsOrigins(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sink := &wsSink{conn: conn, ctx: ctx}
	s.broker.Subscribe(ctx, taskID, sink)
	defer s.broker.Unsubscribe(sink)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// Read loop: the client sends nothing meaningful; reading detects
	// disconnects and drains control frames.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// wsOrigins translates the CORS configuration into websocket origin
// patterns.
func (s *Server) wsOrigins() []string {
	if len(s.cfg.CORSOrigins) == 1 && s.cfg.CORSOrigins[0] == "*" {
		return []string{"*"}
	}
	return s.cfg.CORSOrigins
}
