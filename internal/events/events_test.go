package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nameguard-service/internal/client"
	"nameguard-service/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []DecisionEvent
	err    error
	closed bool
}

func (r *recordingSink) Publish(_ context.Context, ev DecisionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var now = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestNewDecisionEvent(t *testing.T) {
	tests := []struct {
		name     string
		decision models.Decision
		outcome  models.Outcome
		detail   string
	}{
		{"allowed", models.Allowed{TrustBasis: models.BasisSimilarity, Similarity: 91.5, IsSoftMatch: true}, models.OutcomeAllowed, "similarity"},
		{"challenge", models.NeedsChallenge{Kind: models.ChallengeReauthentication}, models.OutcomeNeedsChallenge, "reauthentication"},
		{"denied", models.Denied{Reason: models.DenyHardMismatch}, models.OutcomeDenied, "hard_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewDecisionEvent("steve", "Steve", models.EditionJava, "203.0.113.0/24", tt.decision, now)
			assert.NotEmpty(t, ev.ID)
			assert.Equal(t, tt.outcome, ev.Outcome)
			assert.Equal(t, tt.detail, ev.Detail)
			assert.Equal(t, now, ev.Timestamp)
		})
	}

	ev := NewDecisionEvent("steve", "Steve", models.EditionJava, "", models.Allowed{IsSoftMatch: true, Similarity: 70}, now)
	assert.True(t, ev.IsSoftMatch)
	assert.Equal(t, 70.0, ev.Similarity)
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("broker down")}
	m := Multi{failing, ok}

	err := m.Publish(context.Background(), DecisionEvent{Key: "steve"})
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, 1, ok.count(), "a failing sink does not stop delivery to the rest")

	require.NoError(t, m.Close())
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 16, zap.NewNop())
	for i := 0; i < 10; i++ {
		d.Enqueue(DecisionEvent{Key: "steve"})
	}
	require.NoError(t, d.Close())
	assert.Equal(t, 10, sink.count())
	assert.True(t, sink.closed)
	assert.NoError(t, d.Close(), "second close is a no-op")
}

func TestDispatcherSurvivesSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("nope")}
	d := NewDispatcher(sink, 4, zap.NewNop())
	d.Enqueue(DecisionEvent{Key: "a"})
	d.Enqueue(DecisionEvent{Key: "b"})
	require.NoError(t, d.Close())
	assert.Equal(t, 2, sink.count())
}

func TestElasticSinkIndexesLatestDecisionPerIdentity(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  DecisionEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	sink := NewElasticSink(client.NewElasticsearchClientFrom(es, zap.NewNop()), "nameguard-decisions")

	ev := NewDecisionEvent("steve", "Steve", models.EditionJava, "", models.Denied{Reason: models.DenyRateLimited}, now)
	require.NoError(t, sink.Publish(context.Background(), ev))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.Equal(t, "PUT /nameguard-decisions/_doc/steve", paths[0])
	assert.Equal(t, "rate_limited", body.Detail)
}

func TestElasticSinkLatest(t *testing.T) {
	var query map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &query)
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/nameguard-decisions/_search" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no such index"}`))
			return
		}
		_, _ = w.Write([]byte(`{"hits":{"total":{"value":1},"hits":[
			{"_source":{"name_key":"alex","outcome":"denied","detail":"hard_mismatch","timestamp":"2024-05-01T08:00:00Z"}}]}}`))
	}))
	defer srv.Close()

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	c := client.NewElasticsearchClientFrom(es, zap.NewNop())

	got, err := NewElasticSink(c, "nameguard-decisions").Latest(context.Background(), models.OutcomeDenied, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alex", got[0].Key)
	assert.Equal(t, models.OutcomeDenied, got[0].Outcome)
	assert.True(t, now.Equal(got[0].Timestamp))
	assert.EqualValues(t, 5, query["size"])

	_, err = NewElasticSink(c, "missing").Latest(context.Background(), models.OutcomeDenied, 5)
	assert.ErrorContains(t, err, "404")
}
