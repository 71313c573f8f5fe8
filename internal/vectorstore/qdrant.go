package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantStore implements Store using Qdrant with one collection per tenant.
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client.
func NewQdrantStore(host string, port int) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client}, nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// collectionName returns the collection name for a tenant.
func (s *QdrantStore) collectionName(tenantID string) string {
	return fmt.Sprintf("tenant_%s", tenantID)
}

// EnsureCollection creates the tenant's collection if it does not exist.
func (s *QdrantStore) EnsureCollection(ctx context.Context, tenantID string, dimension int) error {
	name := s.collectionName(tenantID)

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// Upsert inserts or updates records in the tenant's collection.
func (s *QdrantStore) Upsert(ctx context.Context, tenantID string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	name := s.collectionName(tenantID)

	points := make([]*qdrant.PointStruct, len(records))
	for i, rec := range records {
		payload := map[string]*qdrant.Value{
			FieldTenantID:    qdrant.NewValueString(tenantID),
			FieldKBID:        qdrant.NewValueString(rec.KBID),
			FieldDocID:       qdrant.NewValueString(rec.DocumentID),
			FieldChunkID:     qdrant.NewValueString(rec.ID),
			FieldContent:     qdrant.NewValueString(rec.Content),
			FieldSensitivity: qdrant.NewValueString(rec.ACL.Sensitivity),
		}
		if len(rec.ACL.AllowUsers) > 0 {
			payload[FieldAllowUsers] = listValue(rec.ACL.AllowUsers)
		}
		if len(rec.ACL.AllowRoles) > 0 {
			payload[FieldAllowRoles] = listValue(rec.ACL.AllowRoles)
		}
		if len(rec.ACL.AllowGroups) > 0 {
			payload[FieldAllowGroups] = listValue(rec.ACL.AllowGroups)
		}
		for k, v := range rec.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: payload,
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search performs similarity search with the query's filters pushed down
// into the Qdrant query.
func (s *QdrantStore) Search(ctx context.Context, tenantID string, q Query) ([]Result, error) {
	name := s.collectionName(tenantID)

	req := &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(q.Vector...),
		Limit:          qdrant.PtrOf(uint64(q.TopK)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(q),
	}
	if q.MinScore > 0 {
		req.ScoreThreshold = qdrant.PtrOf(q.MinScore)
	}

	response, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]Result, 0, len(response))
	for _, point := range response {
		results = append(results, resultFromPayload(point.Id.GetUuid(), point.Score, point.Payload))
	}

	return results, nil
}

// DeleteByDocument removes all records belonging to a document.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	name := s.collectionName(tenantID)

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch(FieldDocID, documentID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by document ID: %w", err)
	}

	return nil
}

// DeleteByChunkIDs removes specific records by their chunk ids.
func (s *QdrantStore) DeleteByChunkIDs(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	name := s.collectionName(tenantID)

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by IDs: %w", err)
	}

	return nil
}

// DropTenant deletes the tenant's collection.
func (s *QdrantStore) DropTenant(ctx context.Context, tenantID string) error {
	if err := s.client.DeleteCollection(ctx, s.collectionName(tenantID)); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// Ping reports whether Qdrant is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// buildFilter translates the query's scope, ACL, and child restrictions
// into a Qdrant filter. A chunk passes an ACL dimension when the list is
// absent (unrestricted) or intersects the caller's principals.
func buildFilter(q Query) *qdrant.Filter {
	var must []*qdrant.Condition

	if len(q.KBIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords(FieldKBID, q.KBIDs...))
	}
	if q.ChildrenOnly {
		must = append(must, qdrant.NewMatch(FieldChild, "true"))
	}
	if q.ACL != nil {
		must = append(must, qdrant.NewMatchKeywords(FieldSensitivity, q.ACL.Levels...))
		must = append(must, aclDimension(FieldAllowUsers, []string{q.ACL.User}))
		must = append(must, aclDimension(FieldAllowRoles, q.ACL.Roles))
		must = append(must, aclDimension(FieldAllowGroups, q.ACL.Groups))
	}

	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// aclDimension builds "list empty OR list intersects principals" as a
// nested should-filter.
func aclDimension(field string, principals []string) *qdrant.Condition {
	should := []*qdrant.Condition{
		{
			ConditionOneOf: &qdrant.Condition_IsEmpty{
				IsEmpty: &qdrant.IsEmptyCondition{Key: field},
			},
		},
	}

	var keywords []string
	for _, p := range principals {
		if p != "" {
			keywords = append(keywords, p)
		}
	}
	if len(keywords) > 0 {
		should = append(should, qdrant.NewMatchKeywords(field, keywords...))
	}

	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Filter{
			Filter: &qdrant.Filter{Should: should},
		},
	}
}

// listValue converts a string slice into a Qdrant list payload value.
func listValue(items []string) *qdrant.Value {
	values := make([]*qdrant.Value, len(items))
	for i, s := range items {
		values[i] = qdrant.NewValueString(s)
	}
	return &qdrant.Value{
		Kind: &qdrant.Value_ListValue{
			ListValue: &qdrant.ListValue{Values: values},
		},
	}
}

// resultFromPayload rebuilds a Result from a point's payload, routing
// unknown keys into Metadata.
func resultFromPayload(id string, score float32, payload map[string]*qdrant.Value) Result {
	result := Result{
		ID:       id,
		Score:    score,
		Metadata: make(map[string]string),
	}

	for k, v := range payload {
		switch k {
		case FieldTenantID, FieldChunkID:
			// implied by the collection and point id
		case FieldKBID:
			result.KBID = v.GetStringValue()
		case FieldDocID:
			result.DocumentID = v.GetStringValue()
		case FieldContent:
			result.Content = v.GetStringValue()
		case FieldSensitivity:
			result.ACL.Sensitivity = v.GetStringValue()
		case FieldAllowUsers:
			result.ACL.AllowUsers = stringList(v)
		case FieldAllowRoles:
			result.ACL.AllowRoles = stringList(v)
		case FieldAllowGroups:
			result.ACL.AllowGroups = stringList(v)
		default:
			result.Metadata[k] = v.GetStringValue()
		}
	}

	return result
}

// stringList converts a Qdrant list payload value back to a string slice.
func stringList(v *qdrant.Value) []string {
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.Values))
	for _, item := range list.Values {
		out = append(out, item.GetStringValue())
	}
	return out
}

// Ensure QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)
