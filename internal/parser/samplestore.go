package parser

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb"
	"github.com/motec-viewer/backend/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrUnknownChannel is returned by SampleStore queries for a name not in the log.
var ErrUnknownChannel = errors.New("unknown channel")

// SampleStore keeps the samples of one LD log in a temporary DuckDB file so
// single channels can be queried by time range without holding every row in memory.
type SampleStore struct {
	db       *sql.DB
	dbPath   string
	rows     int
	channels []models.LDChannel
	byName   map[string]int
	log      logrus.FieldLogger
	keep     bool // leave the file on Close

	// Semaphore to limit concurrent queries
	querySem chan struct{}
}

// NewSampleStore creates a DuckDB-backed store in the given temp directory.
func NewSampleStore(tempDir, sessionID string, log logrus.FieldLogger) (*SampleStore, error) {
	dbPath := filepath.Join(tempDir, fmt.Sprintf("session_%s.duckdb", sessionID))
	return NewSampleStoreAtPath(dbPath, log)
}

// NewSampleStoreAtPath creates a DuckDB-backed store at a specific path.
func NewSampleStoreAtPath(dbPath string, log logrus.FieldLogger) (*SampleStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("db", filepath.Base(dbPath))

	db, err := openDuckDB(dbPath)
	if err != nil {
		return nil, err
	}

	schema := []string{
		`CREATE TABLE channels (
			idx   INTEGER PRIMARY KEY,
			name  VARCHAR NOT NULL,
			units VARCHAR
		)`,
		`CREATE TABLE samples (
			row_idx     INTEGER NOT NULL,
			ts          DOUBLE NOT NULL,
			channel_idx INTEGER NOT NULL,
			value       DOUBLE
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			os.Remove(dbPath)
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	log.Debug("sample store created")

	return &SampleStore{
		db:       db,
		dbPath:   dbPath,
		byName:   make(map[string]int),
		log:      log,
		querySem: make(chan struct{}, 3), // Max 3 concurrent queries
	}, nil
}

// OpenSampleStore opens a store previously filled by Load in read-only mode.
// Closing it leaves the file in place.
func OpenSampleStore(dbPath string, log logrus.FieldLogger) (*SampleStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("db", filepath.Base(dbPath))

	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open sample store: %w", err)
	}

	db, err := openDuckDB(dbPath + "?access_mode=read_only")
	if err != nil {
		return nil, err
	}

	s := &SampleStore{
		db:       db,
		dbPath:   dbPath,
		byName:   make(map[string]int),
		log:      log,
		querySem: make(chan struct{}, 3),
		keep:     true,
	}

	rows, err := db.Query("SELECT idx, name, units FROM channels ORDER BY idx")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read channels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx int32
		var name string
		var units sql.NullString
		if err := rows.Scan(&idx, &name, &units); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		s.channels = append(s.channels, models.LDChannel{
			Name:     name,
			Units:    units.String,
			DataType: "f64",
			Index:    uint16(idx),
		})
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, err
	}
	s.indexNames()

	if err := db.QueryRow("SELECT COUNT(DISTINCT row_idx) FROM samples").Scan(&s.rows); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}

	log.WithFields(logrus.Fields{
		"rows":     s.rows,
		"channels": len(s.channels),
	}).Debug("sample store opened")
	return s, nil
}

func openDuckDB(dsn string) (*sql.DB, error) {
	connector, err := duckdb.NewConnector(dsn, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA memory_limit='512MB'",
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// Load appends the channel table and every sample of ld, then builds indexes.
// It may be called once per store.
func (s *SampleStore) Load(ctx context.Context, ld *models.LDFile) error {
	if ld == nil {
		return newError(ErrInvalidData, "nil log", nil)
	}
	if s.rows > 0 || len(s.channels) > 0 {
		return fmt.Errorf("sample store already loaded")
	}

	start := time.Now()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(driverConn interface{}) error {
		dConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("failed to cast to duckdb.Conn")
		}

		chApp, err := duckdb.NewAppenderFromConn(dConn, "", "channels")
		if err != nil {
			return fmt.Errorf("failed to create channel appender: %w", err)
		}
		for i, ch := range ld.Channels {
			if err := chApp.AppendRow(int32(i), ch.Name, ch.Units); err != nil {
				chApp.Close()
				return fmt.Errorf("failed to append channel %d: %w", i, err)
			}
		}
		if err := chApp.Close(); err != nil {
			return fmt.Errorf("failed to flush channels: %w", err)
		}

		app, err := duckdb.NewAppenderFromConn(dConn, "", "samples")
		if err != nil {
			return fmt.Errorf("failed to create sample appender: %w", err)
		}
		for row, sample := range ld.Samples {
			if row%1000 == 0 {
				if err := ctx.Err(); err != nil {
					app.Close()
					return err
				}
			}
			for idx, v := range sample.Values {
				if err := app.AppendRow(int32(row), sample.Timestamp, int32(idx), v); err != nil {
					app.Close()
					return fmt.Errorf("failed to append row %d channel %d: %w", row, idx, err)
				}
			}
		}
		return app.Close()
	})
	if err != nil {
		return fmt.Errorf("appender error: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX idx_channel_ts ON samples(channel_idx, ts)"); err != nil {
		return fmt.Errorf("idx_channel_ts creation failed: %w", err)
	}

	s.channels = append([]models.LDChannel(nil), ld.Channels...)
	s.indexNames()
	s.rows = len(ld.Samples)

	s.log.WithFields(logrus.Fields{
		"rows":     s.rows,
		"channels": len(s.channels),
		"elapsed":  time.Since(start).String(),
	}).Info("samples loaded")

	return nil
}

func (s *SampleStore) indexNames() {
	for i, ch := range s.channels {
		// First occurrence wins for duplicate names.
		if _, dup := s.byName[ch.Name]; !dup {
			s.byName[ch.Name] = i
		}
	}
}

// Keep marks the database file to survive Close.
func (s *SampleStore) Keep() {
	s.keep = true
}

// Path returns the database file location.
func (s *SampleStore) Path() string {
	return s.dbPath
}

// Len returns the number of sample rows stored.
func (s *SampleStore) Len() int {
	return s.rows
}

// Channels returns the stored channel table.
func (s *SampleStore) Channels() []models.LDChannel {
	return s.channels
}

func (s *SampleStore) acquire(ctx context.Context) (func(), error) {
	select {
	case s.querySem <- struct{}{}:
		return func() { <-s.querySem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *SampleStore) channelIndex(name string) (int, error) {
	idx, ok := s.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return idx, nil
}

// QueryChannel returns the values of one channel with start <= ts <= end, in
// row order. Infinite or NaN bounds leave that side open; limit <= 0 means no limit.
func (s *SampleStore) QueryChannel(ctx context.Context, name string, start, end float64, limit int) ([]models.ChannelPoint, error) {
	idx, err := s.channelIndex(name)
	if err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	clauses := []string{"channel_idx = ?"}
	args := []interface{}{int32(idx)}
	if isFiniteBound(start) {
		clauses = append(clauses, "ts >= ?")
		args = append(args, start)
	}
	if isFiniteBound(end) {
		clauses = append(clauses, "ts <= ?")
		args = append(args, end)
	}

	query := "SELECT ts, value FROM samples WHERE " + strings.Join(clauses, " AND ") + " ORDER BY row_idx"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("channel query failed: %w", err)
	}
	defer rows.Close()

	points := make([]models.ChannelPoint, 0)
	for rows.Next() {
		var p models.ChannelPoint
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ChannelRange returns count, extremes and time span of one channel.
func (s *SampleStore) ChannelRange(ctx context.Context, name string) (*models.ChannelSummary, error) {
	idx, err := s.channelIndex(name)
	if err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	summary := &models.ChannelSummary{
		Name:  s.channels[idx].Name,
		Units: s.channels[idx].Units,
	}

	var minV, maxV, startTs, endTs sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(value), MAX(value), MIN(ts), MAX(ts)
		FROM samples WHERE channel_idx = ?
	`, int32(idx)).Scan(&summary.Count, &minV, &maxV, &startTs, &endTs)
	if err != nil {
		return nil, fmt.Errorf("range query failed: %w", err)
	}

	summary.Min = minV.Float64
	summary.Max = maxV.Float64
	summary.StartTs = startTs.Float64
	summary.EndTs = endTs.Float64
	return summary, nil
}

// Close closes the database and removes the file unless it was kept.
func (s *SampleStore) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.dbPath != "" && !s.keep {
		os.Remove(s.dbPath)
		os.Remove(s.dbPath + ".wal")
	}
	return err
}

func isFiniteBound(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
