package main

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/PaulBabatuyi/SensorCollector/internal/middleware"
	"github.com/PaulBabatuyi/SensorCollector/internal/models"
)

type uploadFlags struct {
	format        string
	sampleRate    int
	bitrate       int
	timestamp     int64
	timestampSet  bool
	lengthSeconds float64
	mac           string
	zipcode       string
}

func newUploadCommand(opts *clientOptions) *cobra.Command {
	flags := &uploadFlags{}

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Stream an audio sample to the collector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			path := args[0]
			flags.timestampSet = cmd.Flags().Changed("timestamp")
			raw := flags.metadata(path, time.Now())
			// fail fast on metadata the server would reject
			if _, err := models.NewAudioMetadata(raw); err != nil {
				return err
			}

			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open file: %w", err)
			}
			defer file.Close()

			if opts.useGRPC {
				client, closeConn, err := opts.ingestClient()
				if err != nil {
					return err
				}
				defer closeConn()

				fields := metadataFields(raw)
				fields["filename"] = filepath.Base(path)
				resp, err := client.UploadAudio(ctx, fields, file, chunkSize)
				if err != nil {
					return err
				}
				got := resp.AsMap()
				fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %v (%v bytes, id %v)\n", got["filename"], got["bytes"], got["id"])
				return nil
			}

			body, err := httpUpload(ctx, &http.Client{}, opts.baseURL, opts.apiKey, raw, filepath.Base(path), file)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.format, "type", "", "Sample format: wav, mp3 or raw (default from the file extension)")
	cmd.Flags().IntVar(&flags.sampleRate, "samplerate", 48000, "Sample rate in Hz")
	cmd.Flags().IntVar(&flags.bitrate, "bitrate", 16, "Bits per sample, a multiple of 8")
	cmd.Flags().Int64Var(&flags.timestamp, "timestamp", 0, "Recording time as unix seconds (default now)")
	cmd.Flags().Float64Var(&flags.lengthSeconds, "length", 0, "Sample length in seconds")
	cmd.Flags().StringVar(&flags.mac, "mac", "", "Device MAC address, 12 hex characters")
	cmd.Flags().StringVar(&flags.zipcode, "zip", "", "Location hint")
	_ = cmd.MarkFlagRequired("mac")

	return cmd
}

func (f *uploadFlags) metadata(path string, now time.Time) models.RawAudioMetadata {
	format := f.format
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	ts := f.timestamp
	if !f.timestampSet {
		ts = now.Unix()
	}
	return models.RawAudioMetadata{
		Type:          format,
		SampleRate:    f.sampleRate,
		Bitrate:       f.bitrate,
		Timestamp:     ts,
		LengthSeconds: f.lengthSeconds,
		MacAddress:    strings.ReplaceAll(f.mac, ":", ""),
		Zipcode:       f.zipcode,
	}
}

func metadataValues(raw models.RawAudioMetadata) url.Values {
	return url.Values{
		"type":          {raw.Type},
		"samplerate":    {strconv.Itoa(raw.SampleRate)},
		"bitrate":       {strconv.Itoa(raw.Bitrate)},
		"timestamp":     {strconv.FormatInt(raw.Timestamp, 10)},
		"lengthseconds": {strconv.FormatFloat(raw.LengthSeconds, 'f', -1, 64)},
		"macaddress":    {raw.MacAddress},
		"zipcode":       {raw.Zipcode},
	}
}

func metadataFields(raw models.RawAudioMetadata) map[string]any {
	return map[string]any{
		"type":          raw.Type,
		"samplerate":    raw.SampleRate,
		"bitrate":       raw.Bitrate,
		"timestamp":     raw.Timestamp,
		"lengthseconds": raw.LengthSeconds,
		"macaddress":    raw.MacAddress,
		"zipcode":       raw.Zipcode,
	}
}

// httpUpload streams src as the "datafile" part through a pipe, so the
// file is never held in memory.
func httpUpload(ctx context.Context, client *http.Client, baseURL, apiKey string, raw models.RawAudioMetadata, filename string, src io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("datafile", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.CopyBuffer(part, src, make([]byte, chunkSize)); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	target := strings.TrimRight(baseURL, "/") + "/v1/upload_audio_data?" + metadataValues(raw).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(middleware.APIKeyHeader, apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
