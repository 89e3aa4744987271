package events

import (
	"context"
	"fmt"

	"nameguard-service/internal/client"
	"nameguard-service/internal/models"
)

// ClickHouseSink appends every event to an analytics table.
type ClickHouseSink struct {
	client *client.ClickHouseClient
	table  string
}

func NewClickHouseSink(ctx context.Context, c *client.ClickHouseClient, table string) (*ClickHouseSink, error) {
	s := &ClickHouseSink{client: c, table: table}
	if err := c.Exec(ctx, s.createTableSQL()); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", table, err)
	}
	return s, nil
}

func (s *ClickHouseSink) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        id String,
        name_key String,
        display_name String,
        edition LowCardinality(String),
        masked_ip String,
        outcome LowCardinality(String),
        detail LowCardinality(String),
        similarity Float64,
        provider LowCardinality(String),
        is_new_binding UInt8,
        is_soft_match UInt8,
        ts DateTime64(3, 'UTC')
    ) ENGINE = MergeTree ORDER BY (name_key, ts)`, s.table)
}

func (s *ClickHouseSink) Publish(ctx context.Context, ev DecisionEvent) error {
	query := fmt.Sprintf("INSERT INTO %s", s.table)
	return s.client.BatchInsert(ctx, query, [][]interface{}{{
		ev.ID, ev.Key, ev.DisplayName, string(ev.Edition), ev.MaskedIP,
		string(ev.Outcome), ev.Detail, ev.Similarity, ev.Provider,
		boolToUInt8(ev.IsNewBinding), boolToUInt8(ev.IsSoftMatch), ev.Timestamp,
	}})
}

// History returns the most recent decisions for key, newest first.
func (s *ClickHouseSink) History(ctx context.Context, key string, limit int) ([]DecisionEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT id, name_key, display_name, edition, masked_ip, outcome, detail,
        similarity, provider, is_new_binding, is_soft_match, ts
    FROM %s WHERE name_key = ? ORDER BY ts DESC LIMIT %d`, s.table, limit)

	rows, err := s.client.QueryRows(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []DecisionEvent
	for rows.Next() {
		var (
			ev               DecisionEvent
			edition, outcome string
			newBinding, soft uint8
		)
		if err := rows.Scan(&ev.ID, &ev.Key, &ev.DisplayName, &edition, &ev.MaskedIP, &outcome,
			&ev.Detail, &ev.Similarity, &ev.Provider, &newBinding, &soft, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		ev.Edition = models.Edition(edition)
		ev.Outcome = models.Outcome(outcome)
		ev.IsNewBinding = newBinding == 1
		ev.IsSoftMatch = soft == 1
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *ClickHouseSink) Close() error {
	return s.client.Close()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
