// Package vector wraps chromem-go behind a namespaced index so the
// memory layer can keep episode and code-chunk vectors for every
// project in one embedded store.
package vector

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/sindri-dev/sindri/internal/memory/embeddings"
)

// Document is a text plus payload to be stored under a namespace.
// When Embedding is nil the index embeds Content itself.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Payload   map[string]string
}

// Result is one search hit, ordered by descending similarity.
type Result struct {
	ID      string
	Content string
	Score   float32
	Payload map[string]string
}

// Index stores documents per namespace and searches them by text.
type Index interface {
	Upsert(ctx context.Context, namespace string, docs []Document) error
	Search(ctx context.Context, namespace, query string, k int) ([]Result, error)
	Delete(ctx context.Context, namespace string, ids ...string) error
	Count(namespace string) (int, error)
}

type chromemIndex struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// New opens a vector index. With a persistPath the store survives
// restarts; an empty path keeps everything in memory, which tests use.
func New(persistPath string, embedder embeddings.Embedder) (Index, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store at %s: %w", persistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &chromemIndex{
		db: db,
		embed: func(ctx context.Context, text string) ([]float32, error) {
			return embedder.Embed(ctx, text)
		},
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (x *chromemIndex) collection(namespace string) (*chromem.Collection, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if col, ok := x.collections[namespace]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection(namespace, nil, x.embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", namespace, err)
	}
	x.collections[namespace] = col
	return col, nil
}

func (x *chromemIndex) Upsert(ctx context.Context, namespace string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := x.collection(namespace)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document in namespace %s has no id", namespace)
		}
		err := col.AddDocument(ctx, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Embedding: doc.Embedding,
			Metadata:  doc.Payload,
		})
		if err != nil {
			return fmt.Errorf("add document %s to %s: %w", doc.ID, namespace, err)
		}
	}
	return nil
}

func (x *chromemIndex) Search(ctx context.Context, namespace, query string, k int) ([]Result, error) {
	col, err := x.collection(namespace)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more results than the
	// collection holds.
	if n := col.Count(); n < k {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	hits, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", namespace, err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			ID:      h.ID,
			Content: h.Content,
			Score:   h.Similarity,
			Payload: h.Metadata,
		})
	}
	return results, nil
}

func (x *chromemIndex) Delete(ctx context.Context, namespace string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := x.collection(namespace)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete from %s: %w", namespace, err)
	}
	return nil
}

func (x *chromemIndex) Count(namespace string) (int, error) {
	col, err := x.collection(namespace)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}
