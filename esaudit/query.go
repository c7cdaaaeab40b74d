package esaudit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	audit "github.com/kafeiih/audit-trail"
)

// indexBody is the create-index request for one per-service index.
var indexBody = map[string]any{
	"settings": map[string]any{
		"number_of_shards":   1,
		"number_of_replicas": 0,
	},
	"mappings": map[string]any{
		"properties": map[string]any{
			"id":            keyword,
			"timestamp":     map[string]any{"type": "date"},
			"operation":     keyword,
			"entityName":    keyword,
			"entityId":      keyword,
			"userId":        keyword,
			"oldValues":     map[string]any{"type": "object"},
			"newValues":     map[string]any{"type": "object"},
			"changedFields": keyword,
			"sourceService": keyword,
			"correlationId": keyword,
		},
	},
}

var keyword = map[string]any{"type": "keyword"}

func term(field, value string) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

// filterQuery translates f into a bool filter. Every set field becomes a
// term clause and the time bounds become one inclusive range clause.
func filterQuery(f audit.Filter) map[string]any {
	if f.IsEmpty() {
		return map[string]any{"match_all": map[string]any{}}
	}

	var clauses []map[string]any

	if f.From != nil || f.To != nil {
		r := map[string]any{}
		if f.From != nil {
			r["gte"] = f.From.UTC().Format(time.RFC3339Nano)
		}
		if f.To != nil {
			r["lte"] = f.To.UTC().Format(time.RFC3339Nano)
		}
		clauses = append(clauses, map[string]any{"range": map[string]any{"timestamp": r}})
	}

	terms := []struct{ field, value string }{
		{"operation", string(f.Operation)},
		{"entityName", f.EntityName},
		{"entityId", f.EntityID},
		{"userId", f.UserID},
		{"sourceService", f.SourceService},
		{"correlationId", f.CorrelationID},
	}
	for _, t := range terms {
		if t.value != "" {
			clauses = append(clauses, term(t.field, t.value))
		}
	}
	return map[string]any{"bool": map[string]any{"filter": clauses}}
}

func searchBody(query map[string]any, size int) (*bytes.Reader, error) {
	body, err := json.Marshal(map[string]any{
		"query": query,
		"sort":  []any{map[string]any{"timestamp": map[string]any{"order": "desc"}}},
		"size":  size,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search: %w", err)
	}
	return bytes.NewReader(body), nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func decodeHits(body []byte) ([]audit.Record, error) {
	var res searchResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	out := make([]audit.Record, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		var r audit.Record
		dec := json.NewDecoder(bytes.NewReader(h.Source))
		dec.UseNumber()
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding audit document: %w", err)
		}
		if r.ChangedFields == nil {
			r.ChangedFields = []string{}
		}
		out = append(out, r)
	}
	return out, nil
}
