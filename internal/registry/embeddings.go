package registry

import (
	"context"
	"fmt"
	"strings"
)

// ListEmbeddings returns embedding records, newest first.
func (s *Store) ListEmbeddings(ctx context.Context, f EmbeddingFilter) ([]*Embedding, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.UserID != "" {
		conds = append(conds, "d.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.DocumentID != "" {
		conds = append(conds, "e.document_id = ?")
		args = append(args, f.DocumentID)
	}
	query := `SELECT e.id, e.document_id, e.vector_id, e.model_name, e.dimension, e.created_at
		FROM embeddings e JOIN documents d ON d.id = e.document_id`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query, args = page(query+" ORDER BY e.created_at DESC, e.id", args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing embeddings: %w", err)
	}
	defer rows.Close()

	var out []*Embedding
	for rows.Next() {
		var (
			e       Embedding
			created int64
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.VectorID, &e.ModelName, &e.Dimension, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}
