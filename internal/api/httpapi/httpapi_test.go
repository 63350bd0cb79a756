package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tasker-systems/tasker-core/internal/dlq"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/events"
	"github.com/tasker-systems/tasker-core/internal/lifecycle"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store/memstore"
)

func init() { gin.SetMode(gin.TestMode) }

func seedRouterWithTemplate(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New(time.Now)
	tmpl := domain.TaskTemplate{Namespace: "ns", Name: "tmpl", Version: 1,
		Steps: []domain.StepDef{{Name: "a", Kind: domain.StepKindOrdinary, HandlerName: "h.a", MaxAttempts: 3, Retryable: true}},
	}
	if err := st.PutTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	return st
}

func TestHealthz_AlwaysOK(t *testing.T) {
	router := NewRouter(Dependencies{}, logger.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz_ServiceUnavailableWithNoStore(t *testing.T) {
	router := NewRouter(Dependencies{}, logger.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no store configured, got %d", rec.Code)
	}
}

func TestReadyz_OKWithWorkingStore(t *testing.T) {
	st := memstore.New(time.Now)
	router := NewRouter(Dependencies{Store: st}, logger.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSubmitTask_ServiceUnavailableWhenNoRequestService(t *testing.T) {
	router := NewRouter(Dependencies{}, logger.NewNop())
	rec := httptest.NewRecorder()
	body := `{"namespace":"ns","template_name":"tmpl"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no task request service wired, got %d", rec.Code)
	}
}

func TestSubmitTask_CreatedOnFirstSubmission(t *testing.T) {
	st := seedRouterWithTemplate(t)
	svc := lifecycle.NewTaskRequestService(st, events.NewPublisher(nil, logger.NewNop()), logger.NewNop())
	router := NewRouter(Dependencies{Store: st, TaskRequests: svc}, logger.NewNop())

	rec := httptest.NewRecorder()
	body := `{"namespace":"ns","template_name":"tmpl","context":{"k":"v"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected error decoding response: %v", err)
	}
	if resp["task_id"] == "" || resp["task_id"] == nil {
		t.Fatalf("expected a task_id in the response, got %v", resp)
	}
}

func TestGetTask_NotFoundTranslatesTo404(t *testing.T) {
	st := memstore.New(time.Now)
	router := NewRouter(Dependencies{Store: st}, logger.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/00000000-0000-0000-0000-000000000000", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown task id, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetTask_InvalidUUIDIsBadRequest(t *testing.T) {
	st := memstore.New(time.Now)
	router := NewRouter(Dependencies{Store: st}, logger.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/not-a-uuid", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed task id, got %d", rec.Code)
	}
}

func TestListDLQRoutes_AbsentWithoutDLQRouter(t *testing.T) {
	router := NewRouter(Dependencies{}, logger.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dlq", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected the dlq routes to be entirely absent without a dlq router, got %d", rec.Code)
	}
}

func TestListDLQ_ReturnsEntriesWhenWired(t *testing.T) {
	st := memstore.New(time.Now)
	router := NewRouter(Dependencies{Store: st, DLQ: dlq.NewRouter(st, logger.NewNop())}, logger.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dlq", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
