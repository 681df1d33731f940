package service

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/PaulBabatuyi/SensorCollector/internal/apperrors"
	"github.com/PaulBabatuyi/SensorCollector/internal/models"
)

// SniffFormat inspects the first bytes of a sample. Anything that is not
// recognisably WAV or MP3 is reported as raw.
func SniffFormat(reader io.Reader) (models.AudioFormat, error) {
	header := make([]byte, 12)
	n, err := io.ReadFull(reader, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("read magic bytes: %w", err)
	}
	header = header[:n]

	switch {
	case len(header) >= 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE")):
		return models.FormatWAV, nil
	case bytes.HasPrefix(header, []byte("ID3")):
		return models.FormatMP3, nil
	case len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0:
		// MPEG audio frame sync
		return models.FormatMP3, nil
	}
	return models.FormatRaw, nil
}

// ValidateFormat checks that the data matches the declared format. Raw
// samples carry no header and always pass.
func ValidateFormat(reader io.Reader, declared models.AudioFormat) error {
	if declared == models.FormatRaw {
		return nil
	}
	detected, err := SniffFormat(reader)
	if err != nil {
		return apperrors.NewIOError("sniff", "failed to inspect upload", err)
	}
	if detected != declared {
		return apperrors.NewValidationError("type", string(declared),
			fmt.Sprintf("content type mismatch: declared=%s, detected=%s", declared, detected))
	}
	return nil
}

// VerifyFileFormat runs ValidateFormat against a file on disk.
func VerifyFileFormat(path string, declared models.AudioFormat) error {
	f, err := os.Open(path)
	if err != nil {
		return apperrors.NewIOError("sniff", "failed to open upload", err)
	}
	defer f.Close()
	return ValidateFormat(f, declared)
}
