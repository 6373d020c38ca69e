package alerting

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"telemetry-gateway/internal/data"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Save upserts the alert. An older version never overwrites a newer one.
func (r *PostgresRepository) Save(ctx context.Context, a *data.Alert) error {
	ruleIDs := a.RuleIDs
	if ruleIDs == nil {
		ruleIDs = []string{}
	}
	_, err := r.pool.Exec(ctx, `
        INSERT INTO alerts
            (id, tenant_id, sensor_id, alert_type, severity, score, status, opened_at,
             last_updated_at, cooldown_until, trigger_reading, rationale, rule_ids, version)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (id) DO UPDATE SET
            severity = EXCLUDED.severity,
            score = EXCLUDED.score,
            status = EXCLUDED.status,
            last_updated_at = EXCLUDED.last_updated_at,
            cooldown_until = EXCLUDED.cooldown_until,
            trigger_reading = EXCLUDED.trigger_reading,
            rationale = EXCLUDED.rationale,
            rule_ids = EXCLUDED.rule_ids,
            version = EXCLUDED.version
        WHERE alerts.version < EXCLUDED.version
    `, a.ID, a.TenantID, a.SensorID, string(a.Type), a.Severity.String(), a.Score, string(a.Status), a.OpenedAt,
		a.LastUpdatedAt, a.CooldownUntil, a.TriggerReading, a.Rationale, ruleIDs, a.Version)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListOpen(ctx context.Context) ([]*data.Alert, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id, tenant_id, sensor_id, alert_type, severity, score, status, opened_at,
               last_updated_at, cooldown_until, trigger_reading, rationale, rule_ids, version
        FROM alerts
        WHERE status IN ('OPEN', 'ACKNOWLEDGED')
    `)
	if err != nil {
		return nil, fmt.Errorf("query open alerts: %w", err)
	}
	defer rows.Close()

	var out []*data.Alert
	for rows.Next() {
		var (
			a                data.Alert
			typ, sev, status string
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SensorID, &typ, &sev, &a.Score, &status, &a.OpenedAt,
			&a.LastUpdatedAt, &a.CooldownUntil, &a.TriggerReading, &a.Rationale, &a.RuleIDs, &a.Version); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Type = data.AlertType(typ)
		a.Status = data.AlertStatus(status)
		if a.Severity, err = data.ParseSeverity(sev); err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
