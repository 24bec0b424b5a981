// Package store persists heterogeneous point results into a queryable sqlite
// schema: one row per point, one row per numeric result field and one row per
// raw-byte field.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	_ "github.com/glebarez/go-sqlite"
)

// PersistenceError wraps any store failure. A failed save or delete is fully
// rolled back before it is reported.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// FieldValue is one persisted numeric result field.
type FieldValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// PointData is the reconstructed view of one persisted point.
type PointData struct {
	PointName  string                           `json:"point_name"`
	Timestamp  string                           `json:"timestamp"`
	Parameters map[string]float64               `json:"parameters"`
	Values     map[string]map[string]FieldValue `json:"values"`
}

// HistoryEntry is one sample of a single field across a sequence.
type HistoryEntry struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
}

// Store is the sqlite-backed result store. The driver's internal locking
// makes the shared connection safe for the single-writer worker plus
// browsing readers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the measurement database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS measurement_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sequence_name TEXT NOT NULL,
			point_name TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			parameters TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS measurement_values (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			point_id INTEGER NOT NULL,
			parameter_name TEXT NOT NULL,
			value REAL,
			unit TEXT,
			plugin_name TEXT,
			timestamp TEXT NOT NULL,
			FOREIGN KEY (point_id) REFERENCES measurement_points(id)
		);`,
		`CREATE TABLE IF NOT EXISTS measurement_blobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			point_id INTEGER NOT NULL,
			data_type TEXT NOT NULL,
			data BLOB,
			metadata TEXT,
			timestamp TEXT NOT NULL,
			FOREIGN KEY (point_id) REFERENCES measurement_points(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_points_sequence ON measurement_points(sequence_name);`,
		`CREATE INDEX IF NOT EXISTS idx_values_point ON measurement_values(point_id);`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON measurement_points(timestamp);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, &PersistenceError{Op: "initialize schema", Err: err}
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMeasurement inserts one point and all of its result rows in a single
// transaction. Numeric fields become measurement_values rows, raw-byte fields
// become measurement_blobs rows, a plugin's unit_info sub-field supplies the
// unit column. Anything else (mode strings and the like) is not persisted.
// On any failure the whole point is rolled back.
func (s *Store) SaveMeasurement(sequenceName, pointName, timestamp string, parameters map[string]float64, results map[string]map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &PersistenceError{Op: "begin save", Err: err}
	}

	if err := s.saveInTx(tx, sequenceName, pointName, timestamp, parameters, results); err != nil {
		tx.Rollback()
		return &PersistenceError{Op: "save " + pointName, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit " + pointName, Err: err}
	}
	return nil
}

func (s *Store) saveInTx(tx *sql.Tx, sequenceName, pointName, timestamp string, parameters map[string]float64, results map[string]map[string]any) error {
	paramsJSON, err := json.Marshal(parameters)
	if err != nil {
		return fmt.Errorf("serialize parameters: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO measurement_points (sequence_name, point_name, timestamp, parameters) VALUES (?, ?, ?, ?)`,
		sequenceName, pointName, timestamp, string(paramsJSON),
	)
	if err != nil {
		return err
	}
	pointID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, pluginName := range sortedKeys(results) {
		fields := results[pluginName]
		units := unitInfo(fields)
		for _, fieldName := range sortedKeys(fields) {
			if fieldName == "unit_info" {
				continue
			}
			value := fields[fieldName]
			if num, ok := numericValue(value); ok {
				_, err = tx.Exec(
					`INSERT INTO measurement_values (point_id, parameter_name, value, unit, plugin_name, timestamp)
					 VALUES (?, ?, ?, ?, ?, ?)`,
					pointID, fieldName, num, units[fieldName], pluginName, timestamp,
				)
				if err != nil {
					return err
				}
			} else if raw, ok := value.([]byte); ok {
				meta, _ := json.Marshal(map[string]string{"plugin": pluginName})
				_, err = tx.Exec(
					`INSERT INTO measurement_blobs (point_id, data_type, data, metadata, timestamp)
					 VALUES (?, ?, ?, ?, ?)`,
					pointID, fieldName, raw, string(meta), timestamp,
				)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// GetSequenceData reconstructs all persisted points of a sequence, ordered by
// timestamp then insertion id.
func (s *Store) GetSequenceData(sequenceName string) ([]PointData, error) {
	rows, err := s.db.Query(
		`SELECT mp.id, mp.point_name, mp.timestamp, mp.parameters,
		        mv.parameter_name, mv.value, mv.unit, mv.plugin_name
		 FROM measurement_points mp
		 LEFT JOIN measurement_values mv ON mp.id = mv.point_id
		 WHERE mp.sequence_name = ?
		 ORDER BY mp.timestamp, mp.id`,
		sequenceName,
	)
	if err != nil {
		return nil, &PersistenceError{Op: "query sequence " + sequenceName, Err: err}
	}
	defer rows.Close()

	var order []int64
	points := make(map[int64]*PointData)
	for rows.Next() {
		var (
			id         int64
			pointName  string
			timestamp  string
			paramsJSON sql.NullString
			fieldName  sql.NullString
			value      sql.NullFloat64
			unit       sql.NullString
			pluginName sql.NullString
		)
		if err := rows.Scan(&id, &pointName, &timestamp, &paramsJSON, &fieldName, &value, &unit, &pluginName); err != nil {
			return nil, &PersistenceError{Op: "scan sequence " + sequenceName, Err: err}
		}

		pd, ok := points[id]
		if !ok {
			pd = &PointData{
				PointName:  pointName,
				Timestamp:  timestamp,
				Parameters: map[string]float64{},
				Values:     map[string]map[string]FieldValue{},
			}
			if paramsJSON.Valid && paramsJSON.String != "" {
				if err := json.Unmarshal([]byte(paramsJSON.String), &pd.Parameters); err != nil {
					return nil, &PersistenceError{Op: "decode parameters of " + pointName, Err: err}
				}
			}
			points[id] = pd
			order = append(order, id)
		}

		if fieldName.Valid {
			plugin := pluginName.String
			if pd.Values[plugin] == nil {
				pd.Values[plugin] = map[string]FieldValue{}
			}
			pd.Values[plugin][fieldName.String] = FieldValue{Value: value.Float64, Unit: unit.String}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate sequence " + sequenceName, Err: err}
	}

	out := make([]PointData, 0, len(order))
	for _, id := range order {
		out = append(out, *points[id])
	}
	return out, nil
}

// GetParameterHistory returns the ordered samples of one field across all
// points of a sequence.
func (s *Store) GetParameterHistory(sequenceName, parameterName string) ([]HistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT mp.timestamp, mv.value, mv.unit
		 FROM measurement_points mp
		 JOIN measurement_values mv ON mp.id = mv.point_id
		 WHERE mp.sequence_name = ? AND mv.parameter_name = ?
		 ORDER BY mp.timestamp, mp.id`,
		sequenceName, parameterName,
	)
	if err != nil {
		return nil, &PersistenceError{Op: "query history " + parameterName, Err: err}
	}
	defer rows.Close()

	var history []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Timestamp, &e.Value, &e.Unit); err != nil {
			return nil, &PersistenceError{Op: "scan history " + parameterName, Err: err}
		}
		history = append(history, e)
	}
	return history, rows.Err()
}

// GetAllSequences lists the distinct sequence names, alphabetically ordered.
func (s *Store) GetAllSequences() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT sequence_name FROM measurement_points ORDER BY sequence_name`,
	)
	if err != nil {
		return nil, &PersistenceError{Op: "list sequences", Err: err}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &PersistenceError{Op: "scan sequences", Err: err}
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteSequence removes every value and blob row owned by the sequence's
// points, then the points themselves, in one transaction.
func (s *Store) DeleteSequence(sequenceName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &PersistenceError{Op: "begin delete", Err: err}
	}

	queries := []string{
		`DELETE FROM measurement_values WHERE point_id IN
		 (SELECT id FROM measurement_points WHERE sequence_name = ?)`,
		`DELETE FROM measurement_blobs WHERE point_id IN
		 (SELECT id FROM measurement_points WHERE sequence_name = ?)`,
		`DELETE FROM measurement_points WHERE sequence_name = ?`,
	}
	for _, q := range queries {
		if _, err := tx.Exec(q, sequenceName); err != nil {
			tx.Rollback()
			return &PersistenceError{Op: "delete " + sequenceName, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit delete " + sequenceName, Err: err}
	}
	return nil
}

// BlobCount reports how many blob rows belong to one sequence.
func (s *Store) BlobCount(sequenceName string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM measurement_blobs WHERE point_id IN
		 (SELECT id FROM measurement_points WHERE sequence_name = ?)`,
		sequenceName,
	).Scan(&n)
	if err != nil {
		return 0, &PersistenceError{Op: "count blobs " + sequenceName, Err: err}
	}
	return n, nil
}

// numericValue reports whether a result field is persistable as a REAL.
// Booleans deliberately do not count.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// unitInfo extracts a plugin's unit map when present.
func unitInfo(fields map[string]any) map[string]string {
	raw, ok := fields["unit_info"]
	if !ok {
		return nil
	}
	switch m := raw.(type) {
	case map[string]string:
		return m
	case map[string]any:
		units := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				units[k] = s
			}
		}
		return units
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
