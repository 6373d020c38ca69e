package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Writer ships a batch of records to durable storage. A batch may be
// delivered more than once; writers must be idempotent on Record.ID.
type Writer interface {
	Name() string
	WriteBatch(ctx context.Context, recs []Record) error
}

// SQLWriter inserts records into a Postgres table through database/sql.
type SQLWriter struct {
	db        *sql.DB
	tableName string
}

// OpenSQL opens a lib/pq connection pool.
func OpenSQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return db, nil
}

func NewSQLWriter(db *sql.DB, table string) *SQLWriter {
	if table == "" {
		table = "audit_records"
	}
	return &SQLWriter{db: db, tableName: table}
}

func (s *SQLWriter) Name() string { return "postgres" }

func (s *SQLWriter) WriteBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.tableName)
	b.WriteString(" (id, kind, reason, device_id, sensor_id, alert_id, detail, recorded_at) VALUES ")

	args := make([]any, 0, len(recs)*8)
	for i, r := range recs {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8))
		args = append(args, r.ID, string(r.Kind), r.Reason, r.DeviceID, r.SensorID, r.AlertID, r.Detail, r.At)
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert audit batch: %w", err)
	}
	return nil
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSWriter publishes each record on <prefix>.<kind>.
type NATSWriter struct {
	conn   publisher
	prefix string
}

func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("telemetry-gateway-audit"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
}

func NewNATSWriter(conn publisher, prefix string) *NATSWriter {
	if prefix == "" {
		prefix = "audit"
	}
	return &NATSWriter{conn: conn, prefix: prefix}
}

func (n *NATSWriter) Name() string { return "nats" }

func (n *NATSWriter) WriteBatch(_ context.Context, recs []Record) error {
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := n.conn.Publish(n.prefix+"."+string(r.Kind), data); err != nil {
			return fmt.Errorf("publish audit record %s: %w", r.ID, err)
		}
	}
	return nil
}

// LogWriter emits records to the structured log only.
type LogWriter struct {
	logger zerolog.Logger
}

func NewLogWriter(logger zerolog.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (l *LogWriter) Name() string { return "log" }

func (l *LogWriter) WriteBatch(_ context.Context, recs []Record) error {
	for _, r := range recs {
		l.logger.Info().
			Str("audit_id", r.ID).
			Str("kind", string(r.Kind)).
			Str("device_id", r.DeviceID).
			Str("sensor_id", r.SensorID).
			Str("alert_id", r.AlertID).
			Str("detail", r.Detail).
			Time("at", r.At).
			Msg(r.Reason)
	}
	return nil
}
