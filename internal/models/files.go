package models

import "time"

// UploadRecord is one received sample as kept in the upload ledger.
type UploadRecord struct {
	ID            string
	Filename      string
	MacAddress    string
	Format        AudioFormat
	SampleRate    int
	Bitrate       int
	DeviceTime    time.Time
	LengthSeconds float64
	Zipcode       string
	Size          int64
	StoragePath   string
	ReceivedAt    time.Time
}

// NewUploadRecord fills a ledger row from validated metadata.
func NewUploadRecord(id, filename string, meta AudioMetadata, size int64, storagePath string, receivedAt time.Time) *UploadRecord {
	return &UploadRecord{
		ID:            id,
		Filename:      filename,
		MacAddress:    meta.MacAddress(),
		Format:        meta.Format(),
		SampleRate:    meta.SampleRateHz(),
		Bitrate:       meta.Bitrate(),
		DeviceTime:    time.Unix(meta.Timestamp(), 0).UTC(),
		LengthSeconds: meta.LengthSeconds(),
		Zipcode:       meta.Zipcode(),
		Size:          size,
		StoragePath:   storagePath,
		ReceivedAt:    receivedAt,
	}
}

// ContentType returns the MIME type for a sample format.
func (f AudioFormat) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
