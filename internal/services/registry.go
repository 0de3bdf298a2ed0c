package services

import (
	"github.com/fyrsmithlabs/recalld/internal/documents"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/fyrsmithlabs/recalld/internal/experiments"
	"github.com/fyrsmithlabs/recalld/internal/health"
	"github.com/fyrsmithlabs/recalld/internal/objectstore"
	"github.com/fyrsmithlabs/recalld/internal/pipeline"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/source"
	"github.com/fyrsmithlabs/recalld/internal/syncer"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// Registry provides access to all recalld services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Store() *registry.Store
	Source() *source.Store
	Objects() objectstore.Store
	Index() vectorstore.Index
	Embedder() *embeddings.Provider
	Runner() pipeline.Runner
	Documents() *documents.Service
	Syncer() *syncer.Syncer
	Search() *search.Service
	Datasets() *experiments.Builder
	Cleaner() *experiments.Cleaner
	Tasks() *events.Tracker
	Health() *health.Checker
}

// Options configures the registry with service instances.
type Options struct {
	Store     *registry.Store
	Source    *source.Store
	Objects   objectstore.Store
	Index     vectorstore.Index
	Embedder  *embeddings.Provider
	Runner    pipeline.Runner
	Documents *documents.Service
	Syncer    *syncer.Syncer
	Search    *search.Service
	Datasets  *experiments.Builder
	Cleaner   *experiments.Cleaner
	Tasks     *events.Tracker
	Health    *health.Checker
}

// serviceRegistry is the concrete implementation of Registry.
type serviceRegistry struct {
	opts Options
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &serviceRegistry{opts: opts}
}

func (r *serviceRegistry) Store() *registry.Store          { return r.opts.Store }
func (r *serviceRegistry) Source() *source.Store           { return r.opts.Source }
func (r *serviceRegistry) Objects() objectstore.Store      { return r.opts.Objects }
func (r *serviceRegistry) Index() vectorstore.Index        { return r.opts.Index }
func (r *serviceRegistry) Embedder() *embeddings.Provider  { return r.opts.Embedder }
func (r *serviceRegistry) Runner() pipeline.Runner         { return r.opts.Runner }
func (r *serviceRegistry) Documents() *documents.Service   { return r.opts.Documents }
func (r *serviceRegistry) Syncer() *syncer.Syncer          { return r.opts.Syncer }
func (r *serviceRegistry) Search() *search.Service         { return r.opts.Search }
func (r *serviceRegistry) Datasets() *experiments.Builder  { return r.opts.Datasets }
func (r *serviceRegistry) Cleaner() *experiments.Cleaner   { return r.opts.Cleaner }
func (r *serviceRegistry) Tasks() *events.Tracker          { return r.opts.Tasks }
func (r *serviceRegistry) Health() *health.Checker         { return r.opts.Health }
