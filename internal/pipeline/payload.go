package pipeline

import (
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// CreatedVia tags points written by the pipeline.
const CreatedVia = "pipeline"

// Payload builds the index payload for doc. Document metadata is
// flattened in first, so the reserved keys always win.
func Payload(doc *registry.Document) map[string]interface{} {
	p := make(map[string]interface{}, len(doc.Metadata)+6)
	for k, v := range doc.Metadata {
		if v != nil {
			p[k] = v
		}
	}
	p[vectorstore.KeyDocumentID] = doc.ID
	p[vectorstore.KeyUserID] = doc.UserID
	p[vectorstore.KeyDocumentType] = doc.DocumentType
	p["title"] = doc.Title
	p["project_id"] = doc.ProjectID
	p["created_via"] = CreatedVia
	return p
}
