package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/PaulBabatuyi/SensorCollector/internal/models"
)

// PostgresDB is the upload ledger.
type PostgresDB struct {
	db *sql.DB
}

func NewPostgresDB(ctx context.Context, connectionString string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// EnsureSchema creates the uploads table if it does not exist yet.
func (p *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresDB) SaveUpload(ctx context.Context, rec *models.UploadRecord) error {
	query := `
        INSERT INTO uploads (id, filename, mac_address, format, sample_rate, bitrate,
                             device_time, length_seconds, zipcode, size, storage_path, received_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `
	_, err := p.db.ExecContext(ctx, query,
		rec.ID,
		rec.Filename,
		rec.MacAddress,
		string(rec.Format),
		rec.SampleRate,
		rec.Bitrate,
		rec.DeviceTime,
		rec.LengthSeconds,
		rec.Zipcode,
		rec.Size,
		rec.StoragePath,
		rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `id, filename, mac_address, format, sample_rate, bitrate,
        device_time, length_seconds, zipcode, size, storage_path, received_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (*models.UploadRecord, error) {
	var (
		rec    models.UploadRecord
		format string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Filename,
		&rec.MacAddress,
		&format,
		&rec.SampleRate,
		&rec.Bitrate,
		&rec.DeviceTime,
		&rec.LengthSeconds,
		&rec.Zipcode,
		&rec.Size,
		&rec.StoragePath,
		&rec.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Format = models.AudioFormat(format)
	return &rec, nil
}

func (p *PostgresDB) GetUpload(ctx context.Context, id string) (*models.UploadRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM uploads WHERE id = $1`

	rec, err := scanUpload(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	return rec, err
}

// ListUploads returns the newest uploads first. An empty mac lists every
// device.
func (p *PostgresDB) ListUploads(ctx context.Context, mac string, limit, offset int) ([]*models.UploadRecord, error) {
	limit, offset = clampPage(limit, offset)
	query := `
        SELECT ` + selectColumns + `
        FROM uploads
        WHERE ($1::text = '' OR mac_address = $1::text)
        ORDER BY received_at DESC
        LIMIT $2 OFFSET $3
    `
	rows, err := p.db.QueryContext(ctx, query, strings.ToLower(mac), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uploads []*models.UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, rec)
	}
	return uploads, rows.Err()
}
