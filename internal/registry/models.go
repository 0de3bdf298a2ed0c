package registry

import "time"

// Status is a document's position in the pipeline.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

const (
	DefaultProjectID    = "default"
	DefaultDocumentType = "journal_entry"
)

// Document is a registered piece of source text.
//
// VectorRef is set exactly when Status is completed.
type Document struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	ProjectID    string                 `json:"project_id"`
	Title        string                 `json:"title"`
	SourceRef    string                 `json:"source_ref,omitempty"`
	VectorRef    string                 `json:"vector_ref,omitempty"`
	DocumentType string                 `json:"document_type"`
	Metadata     map[string]interface{} `json:"metadata"`
	Status       Status                 `json:"status"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Embedding records one successful index step. Never mutated.
type Embedding struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	VectorID   string    `json:"vector_id"`
	ModelName  string    `json:"model_name"`
	Dimension  int       `json:"dimension"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExperimentKind classifies an experiment.
type ExperimentKind string

const (
	KindEmbedding      ExperimentKind = "embedding"
	KindClustering     ExperimentKind = "clustering"
	KindClassification ExperimentKind = "classification"
	KindTraining       ExperimentKind = "training"
)

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentPending   ExperimentStatus = "pending"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentFailed    ExperimentStatus = "failed"
)

// Experiment is an offline job over a selection of documents.
type Experiment struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	ProjectID    string                 `json:"project_id"`
	Kind         ExperimentKind         `json:"kind"`
	DatasetRef   string                 `json:"dataset_ref,omitempty"`
	ModelRef     string                 `json:"model_ref,omitempty"`
	Config       map[string]interface{} `json:"config"`
	Metrics      map[string]interface{} `json:"metrics"`
	Status       ExperimentStatus       `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Step is a pipeline task stage.
type Step string

const (
	StepEmbed Step = "embed"
	StepIndex Step = "index"
)

// Task is a durable pipeline step.
type Task struct {
	ID           string
	DocumentID   string
	Step         Step
	Text         string
	Attempt      int
	Vector       []float32
	NotBefore    time.Time
	ClaimedUntil time.Time
	LastError    string
	CreatedAt    time.Time
}

// DocumentFilter narrows ListDocuments. Zero fields match everything.
type DocumentFilter struct {
	UserID       string
	ProjectID    string
	Status       Status
	DocumentType string
	Limit        int
	Offset       int
}

// EmbeddingFilter narrows ListEmbeddings. UserID matches the owner of the
// embedded document.
type EmbeddingFilter struct {
	UserID     string
	DocumentID string
	Limit      int
	Offset     int
}

// ExperimentFilter narrows ListExperiments.
type ExperimentFilter struct {
	ProjectID string
	Limit     int
	Offset    int
}
