package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jexlab/jexagent/pkg/config"
	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/locking"
	"github.com/jexlab/jexagent/pkg/models"
	"github.com/jexlab/jexagent/pkg/progress"
	"github.com/jexlab/jexagent/pkg/quota"
	"github.com/jexlab/jexagent/pkg/runtime"
	"github.com/jexlab/jexagent/pkg/store"
)

// scriptedCaller feeds canned responses per role.
type scriptedCaller struct {
	mu        sync.Mutex
	responses map[llm.Role][]string
}

func (c *scriptedCaller) push(role llm.Role, contents ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.responses == nil {
		c.responses = make(map[llm.Role][]string)
	}
	c.responses[role] = append(c.responses[role], contents...)
}

func (c *scriptedCaller) Call(_ context.Context, role llm.Role, _ []llm.Message, _ llm.ChatOptions) (*llm.ChatResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.responses[role]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response for %s", role)
	}
	content := queue[0]
	c.responses[role] = queue[1:]
	return &llm.ChatResult{
		Content: content,
		Tokens:  llm.TokenUsage{Total: 100},
		Cost:    0.001,
	}, nil
}

type apiFixture struct {
	server *Server
	store  *store.MemoryStore
	caller *scriptedCaller
	tasks  *runtime.Service
	broker *progress.MemoryBroker
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	memStore := store.NewMemoryStore()
	memStore.PutUser(&models.User{ID: "user-1", DailyQuota: 100})
	memStore.PutUser(&models.User{ID: "user-2", DailyQuota: 0})

	cfg := &config.Config{
		GinMode:          "test",
		CORSOrigins:      []string{"*"},
		MetaName:         "DeepSeek",
		AName:            "Kimi",
		BName:            "Qwen",
		MaxCostPerTask:   1.0,
		StateCostCeiling: 1000,
		TaskLockTTL:      time.Hour,
		SubscriberWait:   10 * time.Millisecond,
	}

	caller := &scriptedCaller{}
	broker := progress.NewMemoryBroker()
	gate := quota.NewGate(memStore, false)
	tasks := runtime.NewService(memStore, caller, broker, locking.NewMemoryLocker(), gate, cfg)

	manager := llm.NewManager(
		llm.NewClient(config.EndpointConfig{Name: "DeepSeek"}, config.ClientFixed),
		llm.NewClient(config.EndpointConfig{Name: "Kimi"}, config.ClientFixed),
		llm.NewClient(config.EndpointConfig{Name: "Qwen"}, config.ClientFixed),
	)

	return &apiFixture{
		server: NewServer(cfg, tasks, broker, manager, nil),
		store:  memStore,
		caller: caller,
		tasks:  tasks,
		broker: broker,
	}
}

func (f *apiFixture) request(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

const inquiryEval = `{"provided_info":{},"missing_critical_info":["audience"],"info_sufficiency":0.3,"need_inquiry":true,"reason":"vague"}`
const inquiryQs = `{"questions":[{"id":1,"question":"q1?","required":true},{"id":2,"question":"q2?","required":true},{"id":3,"question":"q3?","required":true}]}`

func TestCreateTaskInquiryResponse(t *testing.T) {
	f := newAPIFixture(t)
	f.caller.push(llm.RoleMeta, inquiryEval, inquiryQs)

	rec := f.request(t, http.MethodPost, "/api/v1/tasks", "user-1",
		jsonBody{"scene": "topic-analysis", "user_input": "I want to do an AI Agent video"})

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp runtime.CreateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.NeedInquiry)
	assert.Equal(t, models.StatusInquiring, resp.Status)
	assert.Len(t, resp.InquiryQuestions, 3)
	assert.NotNil(t, resp.Intermediate)
}

type jsonBody = map[string]any

func TestCreateTaskQuotaExhausted(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/tasks", "user-2",
		jsonBody{"scene": "topic-analysis", "user_input": "hello"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMissingIdentityRejected(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/tasks", "",
		jsonBody{"scene": "s", "user_input": "u"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetTaskOwnership(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.CreateTask(context.Background(), &models.Task{
		ID: "task-1", UserID: "user-1", Status: models.StatusCompleted, CreatedAt: time.Now(),
	}))

	rec := f.request(t, http.MethodGet, "/api/v1/tasks/task-1", "user-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/tasks/task-1", "user-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/tasks/missing", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitAnswersWrongStatus(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.CreateTask(context.Background(), &models.Task{
		ID: "task-1", UserID: "user-1", Status: models.StatusProcessing, CreatedAt: time.Now(),
	}))

	rec := f.request(t, http.MethodPost, "/api/v1/tasks/task-1/answers", "user-1",
		jsonBody{"answers": jsonBody{}, "intermediate_state": jsonBody{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAnswersRejectsInjectedState(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.CreateTask(context.Background(), &models.Task{
		ID: "task-1", UserID: "user-1", Status: models.StatusInquiring, CreatedAt: time.Now(),
	}))

	rec := f.request(t, http.MethodPost, "/api/v1/tasks/task-1/answers", "user-1",
		jsonBody{"answers": jsonBody{}, "intermediate_state": jsonBody{"user_id": "attacker"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasksPaginated(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.CreateTask(context.Background(), &models.Task{
			ID: fmt.Sprintf("task-%d", i), UserID: "user-1",
			Status: models.StatusCompleted, CreatedAt: time.Now(),
		}))
	}

	rec := f.request(t, http.MethodGet, "/api/v1/tasks?limit=2&offset=0", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list models.TaskList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Tasks, 2)
	assert.True(t, list.HasMore)
}

func TestProgressEndpointNoStore(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.CreateTask(context.Background(), &models.Task{
		ID: "task-1", UserID: "user-1", Status: models.StatusProcessing, CreatedAt: time.Now(),
	}))
	f.broker.EmitProgress(context.Background(), "task-1", progress.PhasePlanning, 20, "planning")
	f.broker.EmitProgress(context.Background(), "task-1", progress.PhasePlanning, 30, "still planning")

	rec := f.request(t, http.MethodGet, "/api/v1/tasks/task-1/progress", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var items []models.ProgressItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, 0, items[0].SequenceID)
	assert.Equal(t, 1, items[1].SequenceID)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAIStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/api/v1/system/ai-stats", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats llm.ManagerStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "DeepSeek", stats.Meta.Name)
	assert.False(t, stats.Meta.CircuitOpen)
}

func TestCancelWithoutRunningJob(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.CreateTask(context.Background(), &models.Task{
		ID: "task-1", UserID: "user-1", Status: models.StatusProcessing, CreatedAt: time.Now(),
	}))

	rec := f.request(t, http.MethodPost, "/api/v1/tasks/task-1/cancel", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
