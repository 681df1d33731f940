package database

import "errors"

// ErrUploadNotFound is returned by GetUpload for unknown ids.
var ErrUploadNotFound = errors.New("upload not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

const schema = `
CREATE TABLE IF NOT EXISTS uploads (
    id             UUID PRIMARY KEY,
    filename       TEXT NOT NULL,
    mac_address    TEXT NOT NULL,
    format         TEXT NOT NULL,
    sample_rate    INTEGER NOT NULL,
    bitrate        INTEGER NOT NULL,
    device_time    TIMESTAMPTZ NOT NULL,
    length_seconds DOUBLE PRECISION NOT NULL,
    zipcode        TEXT NOT NULL DEFAULT '',
    size           BIGINT NOT NULL,
    storage_path   TEXT NOT NULL DEFAULT '',
    received_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS uploads_mac_received_idx ON uploads (mac_address, received_at DESC);
`

// clampPage normalises list paging arguments.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
