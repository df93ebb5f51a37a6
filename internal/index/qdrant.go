package index

import (
	"context"
	"encoding/json"
	"fmt"

	"docqa/internal/models"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// QdrantIndex stores chunk vectors in a qdrant collection. Chunk provenance
// travels in the point payload so retrieval can materialize full records
// without a second store round-trip.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// chunkNamespace makes point ids deterministic: the same chunk id always
// maps to the same point, so re-adding is an upsert.
var chunkNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

func NewQdrantIndex(ctx context.Context, host string, port int, collection string, dim int) (*QdrantIndex, error) {
	// Scroll responses for large documents can exceed the default 4MB cap.
	maxMsgSize := 64 * 1024 * 1024
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMsgSize),
				grpc.MaxCallSendMsgSize(maxMsgSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}

	q := &QdrantIndex{client: client, collection: collection}
	if err := q.ensureCollection(ctx, dim); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dim int) error {
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list qdrant collections: %w", err)
	}
	for _, c := range collections {
		if c == q.collection {
			return nil
		}
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create qdrant collection %s: %w", q.collection, err)
	}
	return nil
}

func (q *QdrantIndex) Close() error { return q.client.Close() }

func pointID(chunkID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(chunkNamespace, []byte(chunkID)).String())
}

func docFilter(docID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("doc_id", docID)}}
}

func pageFilter(docID string, pageNumber int) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewMatch("doc_id", docID),
		qdrant.NewMatchInt("page_number", int64(pageNumber)),
	}}
}

func (q *QdrantIndex) Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks and vectors length mismatch: %d vs %d", len(chunks), len(vectors))
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		lineBoxes := ""
		if len(c.LineBBoxes) > 0 {
			if b, err := json.Marshal(c.LineBBoxes); err == nil {
				lineBoxes = string(b)
			}
		}
		points = append(points, &qdrant.PointStruct{
			Id:      pointID(c.ID),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				"chunk_id":    c.ID,
				"block_id":    c.BlockID,
				"doc_id":      c.DocID,
				"page_number": int64(c.PageNumber),
				"content":     c.Content,
				"source_kind": c.SourceKind,
				"bbox_x":      c.BBox.X,
				"bbox_y":      c.BBox.Y,
				"bbox_w":      c.BBox.W,
				"bbox_h":      c.BBox.H,
				"line_bboxes": lineBoxes,
			}),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, docID string, vector []float32, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	lim := uint64(limit)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         docFilter(docID),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayloadInclude("chunk_id"),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}
	out := make([]string, 0, len(points))
	for _, p := range points {
		if v, ok := p.Payload["chunk_id"]; ok {
			out = append(out, v.GetStringValue())
		}
	}
	return out, nil
}

func (q *QdrantIndex) FetchDoc(ctx context.Context, docID string) ([]models.Chunk, error) {
	lim := uint32(10000)
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter:         docFilter(docID),
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}
	out := make([]models.Chunk, 0, len(points))
	for _, p := range points {
		out = append(out, chunkFromPayload(p.Payload))
	}
	return out, nil
}

func (q *QdrantIndex) FetchByID(ctx context.Context, ids []string) (map[string]models.Chunk, error) {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(id))
	}
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant get: %w", err)
	}
	out := make(map[string]models.Chunk, len(points))
	for _, p := range points {
		c := chunkFromPayload(p.Payload)
		out[c.ID] = c
	}
	return out, nil
}

func (q *QdrantIndex) DeletePage(ctx context.Context, docID string, pageNumber int) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelectorFilter(pageFilter(docID, pageNumber)),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete page: %w", err)
	}
	return nil
}

func (q *QdrantIndex) DeleteDoc(ctx context.Context, docID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelectorFilter(docFilter(docID)),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete doc: %w", err)
	}
	return nil
}

func chunkFromPayload(payload map[string]*qdrant.Value) models.Chunk {
	get := func(k string) string {
		if v, ok := payload[k]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	getF := func(k string) float64 {
		if v, ok := payload[k]; ok {
			return v.GetDoubleValue()
		}
		return 0
	}
	c := models.Chunk{
		ID:         get("chunk_id"),
		BlockID:    get("block_id"),
		DocID:      get("doc_id"),
		Content:    get("content"),
		SourceKind: get("source_kind"),
		BBox: models.BBox{
			X: getF("bbox_x"),
			Y: getF("bbox_y"),
			W: getF("bbox_w"),
			H: getF("bbox_h"),
		},
	}
	if v, ok := payload["page_number"]; ok {
		c.PageNumber = int(v.GetIntegerValue())
	}
	if raw := get("line_bboxes"); raw != "" {
		var boxes []models.BBox
		if err := json.Unmarshal([]byte(raw), &boxes); err == nil {
			c.LineBBoxes = boxes
		}
	}
	return c
}
