// Package postgres is the durable store.Store backend: GORM-managed models
// for templates, DLQ entries, and the append-only audit tables (where
// GORM's migration and query ergonomics outweigh raw SQL), plus hand-written
// pgx SQL for the hot-path compare-and-swap transitions and the readiness
// query (spec §4.1, §4.3) where transactional control and a single round
// trip matter.
package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TemplateModel is the GORM-managed row for an immutable TaskTemplate.
// (namespace, name, version) is unique; templates are write-once.
type TemplateModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Namespace   string    `gorm:"size:255;not null;uniqueIndex:idx_template_identity"`
	Name        string    `gorm:"size:255;not null;uniqueIndex:idx_template_identity"`
	Version     int       `gorm:"not null;uniqueIndex:idx_template_identity"`
	Description string
	StepsJSON   datatypes.JSON `gorm:"column:steps_json"`
	EdgesJSON   datatypes.JSON `gorm:"column:edges_json"`
	RetryPolicy datatypes.JSON `gorm:"column:retry_policy"`
	InputSchema datatypes.JSON `gorm:"column:input_schema"`
	CreatedAt   time.Time
}

func (TemplateModel) TableName() string { return "task_templates" }

// DLQModel is the GORM-managed row for a permanently failed step.
type DLQModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID        uuid.UUID `gorm:"type:uuid;index"`
	StepID        uuid.UUID `gorm:"type:uuid;index"`
	Namespace     string    `gorm:"size:255;index"`
	StepName      string    `gorm:"size:255"`
	ReasonCode    string    `gorm:"size:255;index"`
	ErrorSnapshot datatypes.JSON
	Context       datatypes.JSON
	Resolution    string `gorm:"size:32;index"`
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	ResolvedBy    string
}

func (DLQModel) TableName() string { return "dlq_entries" }

// TransitionModel is the GORM-managed append-only audit row. Rows are never
// updated or deleted; only inserted, in the same transaction as the CAS
// update performed via raw SQL (see Store.Transition in store.go).
type TransitionModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntityKind string    `gorm:"size:16;index"`
	EntityID   uuid.UUID `gorm:"type:uuid;index"`
	TaskID     uuid.UUID `gorm:"type:uuid;index"`
	FromState  string    `gorm:"size:64"`
	ToState    string    `gorm:"size:64"`
	At         time.Time `gorm:"index"`
	By         string    `gorm:"size:255"`
	Metadata   datatypes.JSON
}

func (TransitionModel) TableName() string { return "transitions" }

// ResultModel is the GORM-managed append-only result audit row, one per
// (step_id, attempt). A unique index enforces invariant 7 (no rewriting a
// recorded success) at the database layer in addition to the application
// check in RecordResult.
type ResultModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID     uuid.UUID `gorm:"type:uuid;index"`
	StepID     uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_result_attempt"`
	Attempt    int       `gorm:"uniqueIndex:idx_result_attempt"`
	Success    bool
	Payload    datatypes.JSON
	Metadata   datatypes.JSON
	ErrorMsg   string
	ErrorCode  string
	RecordedAt time.Time
}

func (ResultModel) TableName() string { return "step_results" }

// OutboxModel backs the RabbitMQ outbox pattern (spec §4.1): a row written
// inside the same transaction as the state change it accompanies, relayed
// to the broker afterwards by internal/messaging/rabbitmq's relay loop.
type OutboxModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Queue       string    `gorm:"size:255;index"`
	Payload     datatypes.JSON
	CreatedAt   time.Time
	PublishedAt *time.Time `gorm:"index"`
}

func (OutboxModel) TableName() string { return "messaging_outbox" }

// AllModels lists every GORM-managed model for AutoMigrate at bootstrap.
func AllModels() []interface{} {
	return []interface{}{
		&TemplateModel{},
		&DLQModel{},
		&TransitionModel{},
		&ResultModel{},
		&OutboxModel{},
	}
}
