package events

import (
	"context"
	"fmt"

	"nameguard-service/internal/client"
	"nameguard-service/internal/models"
)

// ElasticSink keeps one document per identity holding its latest decision,
// which the admin tooling searches.
type ElasticSink struct {
	client *client.ESClient
	index  string
}

func NewElasticSink(c *client.ESClient, index string) *ElasticSink {
	return &ElasticSink{client: c, index: index}
}

func (s *ElasticSink) Publish(ctx context.Context, ev DecisionEvent) error {
	return s.client.IndexDocument(ctx, s.index, ev.Key, ev)
}

type searchResult struct {
	Hits struct {
		Hits []struct {
			Source DecisionEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Latest lists identities whose most recent decision had the given outcome,
// most recent first.
func (s *ElasticSink) Latest(ctx context.Context, outcome models.Outcome, limit int) ([]DecisionEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	query := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"term": map[string]interface{}{"outcome": string(outcome)},
		},
		"sort": []interface{}{
			map[string]interface{}{"timestamp": map[string]interface{}{"order": "desc"}},
		},
	}
	res, err := s.client.Search(ctx, s.index, query)
	if err != nil {
		return nil, err
	}
	var result searchResult
	if err := s.client.ParseResponse(res, &result); err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", s.index, err)
	}
	out := make([]DecisionEvent, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

func (s *ElasticSink) Close() error { return nil }
