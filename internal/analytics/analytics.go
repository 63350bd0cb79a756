// Package analytics mirrors each task's DAG into Neo4j as it progresses and
// answers the graph-shaped questions a relational store answers poorly:
// critical path, per-step dependency depth, and fan-out width. The mirror
// is eventually consistent and best-effort — nothing in the orchestration
// hot path (spec §4.2-§4.6) depends on it succeeding.
package analytics

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
)

// Client wraps a neo4j driver the way the teacher's neo4jdb.Client does:
// a thin holder plus a Close, with every write tolerant of a nil Driver so
// callers can run with analytics disabled in dev/test without branching.
type Client struct {
	Driver   neo4j.DriverWithContext
	Database string
	log      *logger.Logger
}

func New(driver neo4j.DriverWithContext, database string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{Driver: driver, Database: database, log: log.With("component", "analytics")}
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	return c.Driver.Close(ctx)
}

func (c *Client) session(ctx context.Context) neo4j.SessionWithContext {
	return c.Driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.Database, AccessMode: neo4j.AccessModeWrite})
}

// MirrorTask upserts a task node, its step nodes, and the dependency edges
// between them. Called after BeginTask and after every dynamic-shape
// mutation (decision expansion, batch spawn) so the graph always reflects
// the relational store's current edge set.
func (c *Client) MirrorTask(ctx context.Context, task domain.Task, steps []domain.Step, edges []domain.Edge) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	session := c.session(ctx)
	defer session.Close(ctx)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
MERGE (t:Task {id: $id})
SET t.namespace = $namespace, t.template_name = $template_name, t.state = $state, t.synced_at = $synced_at
`, map[string]any{
			"id": task.ID.String(), "namespace": task.Namespace, "template_name": task.TemplateName,
			"state": string(task.State), "synced_at": now,
		}); err != nil {
			return nil, err
		}

		for _, s := range steps {
			if _, err := tx.Run(ctx, `
MATCH (t:Task {id: $task_id})
MERGE (s:Step {id: $id})
SET s.name = $name, s.kind = $kind, s.state = $state, s.dependency_depth = $depth, s.synced_at = $synced_at
MERGE (t)-[:HAS_STEP]->(s)
`, map[string]any{
				"task_id": task.ID.String(), "id": s.ID.String(), "name": s.Name, "kind": string(s.Kind),
				"state": string(s.State), "depth": s.DependencyDepth, "synced_at": now,
			}); err != nil {
				return nil, err
			}
		}

		for _, e := range edges {
			if _, err := tx.Run(ctx, `
MATCH (a:Step {id: $from}), (b:Step {id: $to})
MERGE (a)-[:DEPENDS_ON_BY]->(b)
`, map[string]any{"from": e.From.String(), "to": e.To.String()}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		c.log.Warn("mirror task failed", "task_id", task.ID, "error", err)
	}
	return err
}

// CriticalPath returns the step-name sequence of the longest dependency
// chain leading to step, by DEPENDS_ON_BY edges (step depends on parent).
func (c *Client) CriticalPath(ctx context.Context, stepID string) ([]string, error) {
	if c == nil || c.Driver == nil {
		return nil, nil
	}
	session := c.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH p = (s:Step {id: $id})<-[:DEPENDS_ON_BY*0..]-(root:Step)
WHERE NOT (root)<-[:DEPENDS_ON_BY]-()
RETURN [n IN nodes(p) | n.name] AS names
ORDER BY length(p) DESC
LIMIT 1
`, map[string]any{"id": stepID})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		raw, _ := rec.Get("names")
		names, _ := raw.([]any)
		out := make([]string, 0, len(names))
		for _, n := range names {
			if s, ok := n.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	path, _ := result.([]string)
	return path, nil
}

// FanOutWidth returns, for every step in task, how many direct children
// depend on it — a proxy for how much parallelism a step's completion
// unlocks.
func (c *Client) FanOutWidth(ctx context.Context, taskID string) (map[string]int64, error) {
	if c == nil || c.Driver == nil {
		return nil, nil
	}
	session := c.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (t:Task {id: $task_id})-[:HAS_STEP]->(s:Step)
OPTIONAL MATCH (s)-[:DEPENDS_ON_BY]->(child:Step)
RETURN s.name AS name, count(child) AS width
`, map[string]any{"task_id": taskID})
		if err != nil {
			return nil, err
		}
		out := map[string]int64{}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			name, _ := rec.Get("name")
			width, _ := rec.Get("width")
			n, _ := name.(string)
			w, _ := width.(int64)
			out[n] = w
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	widths, _ := result.(map[string]int64)
	return widths, nil
}
