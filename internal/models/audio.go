package models

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/PaulBabatuyi/SensorCollector/internal/apperrors"
)

// AudioFormat is the encoding of an uploaded sample.
type AudioFormat string

const (
	FormatWAV AudioFormat = "wav"
	FormatMP3 AudioFormat = "mp3"
	FormatRaw AudioFormat = "raw"
)

// RawAudioMetadata is the wire form sent by sensors alongside a sample.
// It is only ever turned into AudioMetadata through NewAudioMetadata.
type RawAudioMetadata struct {
	Type          string  `json:"type" validate:"required,oneof=wav mp3 raw"`
	SampleRate    int     `json:"samplerate" validate:"gt=0"`
	Bitrate       int     `json:"bitrate" validate:"multipleof=8"`
	Timestamp     int64   `json:"timestamp" validate:"gte=0"`
	LengthSeconds float64 `json:"lengthseconds" validate:"gte=0"`
	MacAddress    string  `json:"macaddress" validate:"required,macaddr"`
	Zipcode       string  `json:"zipcode" validate:"max=64"`
}

// AudioMetadata describes an uploaded sample. A value obtained from
// NewAudioMetadata has passed every field constraint; the zero value is
// never handed to the receiver.
type AudioMetadata struct {
	format        AudioFormat
	sampleRate    int
	bitrate       int
	timestamp     int64
	lengthSeconds float64
	macAddress    string
	zipcode       string
}

func (m AudioMetadata) Format() AudioFormat    { return m.format }
func (m AudioMetadata) SampleRateHz() int      { return m.sampleRate }
func (m AudioMetadata) Bitrate() int           { return m.bitrate }
func (m AudioMetadata) Timestamp() int64       { return m.timestamp }
func (m AudioMetadata) LengthSeconds() float64 { return m.lengthSeconds }
func (m AudioMetadata) MacAddress() string     { return m.macAddress }
func (m AudioMetadata) Zipcode() string        { return m.zipcode }

var macPattern = regexp.MustCompile(`^[0-9a-fA-F]{12}$`)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the audio-specific tags
// registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("macaddr", func(fl validator.FieldLevel) bool {
			return macPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("multipleof", func(fl validator.FieldLevel) bool {
			step, err := strconv.ParseInt(fl.Param(), 10, 64)
			if err != nil || step == 0 {
				return false
			}
			return fl.Field().Int()%step == 0
		})
	})
	return validate
}

var validationMessages = map[string]string{
	"required":   "is required",
	"oneof":      "must be one of: %s",
	"gt":         "must be greater than %s",
	"gte":        "must be greater than or equal to %s",
	"max":        "must be at most %s characters",
	"macaddr":    "must be exactly 12 hexadecimal characters",
	"multipleof": "must be a multiple of %s",
}

func translate(fe validator.FieldError) string {
	tmpl, ok := validationMessages[fe.Tag()]
	if !ok {
		return "failed " + fe.Tag() + " validation"
	}
	if strings.Contains(tmpl, "%s") {
		return fmt.Sprintf(tmpl, fe.Param())
	}
	return tmpl
}

// NewAudioMetadata validates raw and returns the immutable metadata. The
// first failing field is reported as a *apperrors.ValidationError.
func NewAudioMetadata(raw RawAudioMetadata) (AudioMetadata, error) {
	if err := Validator().Struct(raw); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return AudioMetadata{}, apperrors.NewValidationError(fe.Field(), fe.Value(), translate(fe))
		}
		return AudioMetadata{}, apperrors.NewValidationError("metadata", nil, err.Error())
	}

	return AudioMetadata{
		format:        AudioFormat(raw.Type),
		sampleRate:    raw.SampleRate,
		bitrate:       raw.Bitrate,
		timestamp:     raw.Timestamp,
		lengthSeconds: raw.LengthSeconds,
		macAddress:    strings.ToLower(raw.MacAddress),
		zipcode:       raw.Zipcode,
	}, nil
}

// metadataKeys lists the wire field names in declaration order.
var metadataKeys = []string{"type", "samplerate", "bitrate", "timestamp", "lengthseconds", "macaddress", "zipcode"}

// HasMetadataValues reports whether any metadata field is present in values.
func HasMetadataValues(values url.Values) bool {
	for _, k := range metadataKeys {
		if values.Has(k) {
			return true
		}
	}
	return false
}

// AudioMetadataFromValues builds metadata from query or form values.
func AudioMetadataFromValues(values url.Values) (AudioMetadata, error) {
	for _, k := range metadataKeys {
		if !values.Has(k) {
			return AudioMetadata{}, apperrors.NewValidationError(k, nil, "is required")
		}
	}

	var raw RawAudioMetadata
	var err error

	raw.Type = values.Get("type")
	raw.MacAddress = values.Get("macaddress")
	raw.Zipcode = values.Get("zipcode")

	if raw.SampleRate, err = intValue(values, "samplerate"); err != nil {
		return AudioMetadata{}, err
	}
	if raw.Bitrate, err = intValue(values, "bitrate"); err != nil {
		return AudioMetadata{}, err
	}
	ts := values.Get("timestamp")
	if raw.Timestamp, err = strconv.ParseInt(ts, 10, 64); err != nil {
		return AudioMetadata{}, apperrors.NewValidationError("timestamp", ts, "must be an integer")
	}
	s := values.Get("lengthseconds")
	raw.LengthSeconds, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return AudioMetadata{}, apperrors.NewValidationError("lengthseconds", s, "must be a number")
	}

	return NewAudioMetadata(raw)
}

func intValue(values url.Values, key string) (int, error) {
	s := values.Get(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperrors.NewValidationError(key, s, "must be an integer")
	}
	return n, nil
}

// ParseAudioMetadata builds metadata from a decoded JSON object or a
// protobuf Struct map. Numbers may arrive as float64.
func ParseAudioMetadata(fields map[string]any) (AudioMetadata, error) {
	values := url.Values{}
	for _, k := range metadataKeys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			values.Set(k, t)
		case float64:
			values.Set(k, strconv.FormatFloat(t, 'f', -1, 64))
		case int:
			values.Set(k, strconv.Itoa(t))
		case int64:
			values.Set(k, strconv.FormatInt(t, 10))
		case bool:
			return AudioMetadata{}, apperrors.NewValidationError(k, t, "has the wrong type")
		default:
			values.Set(k, fmt.Sprint(t))
		}
	}
	return AudioMetadataFromValues(values)
}
