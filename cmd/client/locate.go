package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PaulBabatuyi/SensorCollector/internal/middleware"
)

func newLocateCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locate [ip]",
		Short: "Geolocate an IP address, or the caller's address when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var ip string
			if len(args) == 1 {
				ip = args[0]
			}

			if opts.useGRPC {
				client, closeConn, err := opts.ingestClient()
				if err != nil {
					return err
				}
				defer closeConn()

				resp, err := client.LocateIP(ctx, ip)
				if err != nil {
					return err
				}
				got := resp.AsMap()
				fmt.Fprint(cmd.OutOrStdout(), got["text"])
				return nil
			}

			text, status, err := httpLocate(ctx, &http.Client{Timeout: opts.timeout}, opts.baseURL, opts.apiKey, ip)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			if status != http.StatusOK {
				return fmt.Errorf("lookup answered with status %d", status)
			}
			return nil
		},
	}
}

func httpLocate(ctx context.Context, client *http.Client, baseURL, apiKey, ip string) (string, int, error) {
	target := strings.TrimRight(baseURL, "/") + "/locate_ip"
	if ip != "" {
		target += "?" + url.Values{"ip_address": {ip}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set(middleware.APIKeyHeader, apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("locate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusForbidden {
		return "", resp.StatusCode, fmt.Errorf("rejected: %s", strings.TrimSpace(string(body)))
	}
	return string(body), resp.StatusCode, nil
}
