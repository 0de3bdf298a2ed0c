package workflows

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/pipeline"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

const testDim = 8

type PipelineWorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env   *testsuite.TestWorkflowEnvironment
	store *registry.Store
	index vectorstore.Index
	model *embeddings.KeywordModel
}

func TestPipelineWorkflowSuite(t *testing.T) {
	suite.Run(t, new(PipelineWorkflowSuite))
}

func (s *PipelineWorkflowSuite) SetupTest() {
	ctx := context.Background()
	t := s.T()

	store, err := registry.Open(filepath.Join(t.TempDir(), "recalld.db"), logging.NewNop())
	s.Require().NoError(err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{}, logging.NewNop())
	s.Require().NoError(err)
	s.Require().NoError(index.EnsureCollection(ctx, "journal_embeddings", testDim, vectorstore.MetricCosine))

	s.model = embeddings.NewKeywordModel(testDim, "anxious", "happy", "tired")
	provider := embeddings.NewProvider(embeddings.StaticLoader(s.model), embeddings.Options{
		ModelName: "keyword",
		Dimension: testDim,
	})

	s.store = store
	s.index = index

	s.env = s.NewTestWorkflowEnvironment()
	s.env.RegisterWorkflow(EmbeddingPipelineWorkflow)
	s.env.RegisterActivity(NewActivities(pipeline.NewSteps(store, provider, index, nil, logging.NewNop())))
}

func (s *PipelineWorkflowSuite) AfterTest(_, _ string) {
	s.env.AssertExpectations(s.T())
}

func (s *PipelineWorkflowSuite) document() *registry.Document {
	d := &registry.Document{
		UserID:   "u1",
		Title:    "Morning",
		Metadata: map[string]interface{}{"mood": "anxious"},
	}
	s.Require().NoError(s.store.CreateDocument(context.Background(), d))
	return d
}

func (s *PipelineWorkflowSuite) input(docID string) EmbeddingPipelineInput {
	return EmbeddingPipelineInput{
		DocumentID:   docID,
		Text:         "anxious about the deadline",
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		StepTimeout:  time.Minute,
	}
}

func (s *PipelineWorkflowSuite) result() *EmbeddingPipelineResult {
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())
	var res EmbeddingPipelineResult
	s.Require().NoError(s.env.GetWorkflowResult(&res))
	return &res
}

func (s *PipelineWorkflowSuite) TestCompletes() {
	doc := s.document()

	s.env.ExecuteWorkflow(EmbeddingPipelineWorkflow, s.input(doc.ID))

	res := s.result()
	s.Equal(registry.StatusCompleted, res.Status)
	s.False(res.Skipped)

	got, err := s.store.GetDocument(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(registry.StatusCompleted, got.Status)
	s.Equal(doc.ID, got.VectorRef)

	point, err := s.index.Retrieve(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal("u1", point.Payload["user_id"])
}

func (s *PipelineWorkflowSuite) TestEmbedExhaustionFailsDocument() {
	doc := s.document()
	s.model.FailNext(3, errors.New("model offline"))

	s.env.ExecuteWorkflow(EmbeddingPipelineWorkflow, s.input(doc.ID))

	res := s.result()
	s.Equal(registry.StatusFailed, res.Status)
	s.Contains(res.Error, "embed step failed after 3 attempts")
	s.Equal(3, s.model.Calls())

	got, err := s.store.GetDocument(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(registry.StatusFailed, got.Status)
	s.Contains(got.Error, "model offline")
	s.Empty(got.VectorRef)
}

func (s *PipelineWorkflowSuite) TestRecoversWithinBudget() {
	doc := s.document()
	s.model.FailNext(2, errors.New("warming up"))

	s.env.ExecuteWorkflow(EmbeddingPipelineWorkflow, s.input(doc.ID))

	res := s.result()
	s.Equal(registry.StatusCompleted, res.Status)

	got, err := s.store.GetDocument(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Equal(registry.StatusCompleted, got.Status)
	s.Empty(got.Error)
}

func (s *PipelineWorkflowSuite) TestSkipsDocumentNotPending() {
	doc := s.document()
	ok, err := s.store.BeginProcessing(context.Background(), doc.ID)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.env.ExecuteWorkflow(EmbeddingPipelineWorkflow, s.input(doc.ID))

	res := s.result()
	s.True(res.Skipped)
	s.Zero(s.model.Calls())
}

func (s *PipelineWorkflowSuite) TestMissingDocumentIsNotRetried() {
	s.env.ExecuteWorkflow(EmbeddingPipelineWorkflow, s.input("missing"))

	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
	s.Zero(s.model.Calls())
}

func TestWorkflowWithMockedActivities(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(EmbeddingPipelineWorkflow)

	a := NewActivities(nil)
	env.RegisterActivity(a)
	env.OnActivity(a.Begin, mock.Anything, "d1").Return(true, nil)
	env.OnActivity(a.Embed, mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)
	env.OnActivity(a.Index, mock.Anything, mock.Anything).Return(errors.New("index down"))
	env.OnActivity(a.Fail, mock.Anything, mock.MatchedBy(func(in FailInput) bool {
		return in.DocumentID == "d1"
	})).Return(nil)

	env.ExecuteWorkflow(EmbeddingPipelineWorkflow, EmbeddingPipelineInput{
		DocumentID:   "d1",
		Text:         "text",
		RetryBackoff: time.Millisecond,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res EmbeddingPipelineResult
	require.NoError(t, env.GetWorkflowResult(&res))
	assert.Equal(t, registry.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "index step failed after 3 attempts")
	assert.Contains(t, res.Error, "index down")
}

func TestApplyDefaults(t *testing.T) {
	var in EmbeddingPipelineInput
	in.applyDefaults()
	assert.Equal(t, 3, in.MaxAttempts)
	assert.Equal(t, 60*time.Second, in.RetryBackoff)
	assert.Equal(t, 2*time.Minute, in.StepTimeout)
}
