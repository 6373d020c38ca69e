package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

var ErrRuleSourceUnavailable = errors.New("rule source unavailable")

// Source lists the active rules for a sensor type. An empty sensor type
// lists every active rule.
type Source interface {
	ListActiveRules(ctx context.Context, sensorType string) ([]Rule, error)
}

func buildActive(defs []Definition, sensorType string) ([]Rule, error) {
	out := make([]Rule, 0, len(defs))
	for _, d := range defs {
		r, err := d.Build()
		if err != nil {
			return nil, err
		}
		if !r.Active {
			continue
		}
		if sensorType != "" && !r.Applies(sensorType) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// FileSource reads rules from a YAML document on every call, so edits are
// picked up by the next cache refresh.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type ruleFile struct {
	Rules []Definition `yaml:"rules"`
}

func (s *FileSource) ListActiveRules(_ context.Context, sensorType string) ([]Rule, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrRuleSourceUnavailable, s.path, err)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrRuleSourceUnavailable, s.path, err)
	}
	return buildActive(doc.Rules, sensorType)
}

// PostgresSource reads rules from the alert_rules table; the condition
// column is JSONB in the ConditionSpec shape.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) ListActiveRules(ctx context.Context, sensorType string) ([]Rule, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, sensor_type, condition, severity
        FROM alert_rules
        WHERE active
          AND ($1 = '' OR sensor_type = $1 OR sensor_type = '*')
        ORDER BY priority, id
    `, sensorType)
	if err != nil {
		return nil, fmt.Errorf("%w: query rules: %v", ErrRuleSourceUnavailable, err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var (
			d        Definition
			condRaw  []byte
			severity string
		)
		if err := rows.Scan(&d.ID, &d.SensorType, &condRaw, &severity); err != nil {
			return nil, fmt.Errorf("%w: scan rule: %v", ErrRuleSourceUnavailable, err)
		}
		if err := json.Unmarshal(condRaw, &d.Condition); err != nil {
			return nil, fmt.Errorf("rule %s: decode condition: %w", d.ID, err)
		}
		if err := d.Severity.UnmarshalText([]byte(severity)); err != nil {
			return nil, fmt.Errorf("rule %s: %w", d.ID, err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleSourceUnavailable, err)
	}
	return buildActive(defs, sensorType)
}
