package analytics

import (
	"context"
	"testing"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
)

func TestClient_NilDriverMirrorIsANoOp(t *testing.T) {
	c := New(nil, "neo4j", logger.NewNop())
	err := c.MirrorTask(context.Background(), domain.Task{}, nil, nil)
	if err != nil {
		t.Fatalf("expected a nil driver to make MirrorTask a no-op, got %v", err)
	}
}

func TestClient_NilDriverCriticalPathReturnsEmpty(t *testing.T) {
	c := New(nil, "neo4j", logger.NewNop())
	path, err := c.CriticalPath(context.Background(), "step-1")
	if err != nil || path != nil {
		t.Fatalf("expected a nil driver to return (nil, nil), got %v, %v", path, err)
	}
}

func TestClient_NilDriverFanOutReturnsEmpty(t *testing.T) {
	c := New(nil, "neo4j", logger.NewNop())
	widths, err := c.FanOutWidth(context.Background(), "task-1")
	if err != nil || widths != nil {
		t.Fatalf("expected a nil driver to return (nil, nil), got %v, %v", widths, err)
	}
}

func TestClient_NilClientCloseIsSafe(t *testing.T) {
	var c *Client
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("expected closing a nil *Client to be a safe no-op, got %v", err)
	}
}
