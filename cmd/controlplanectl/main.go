// Package main is controlplanectl, a thin command-line client for the
// control plane's operational HTTP surface: refresh, cache/clear,
// drift/statistics, and health. It carries no direct database or cache
// dependency of its own — every command is one HTTP call.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type clientConfig struct {
	addr     string
	userID   string
	teamIDs  string
	roles    string
	timeout  time.Duration
}

func main() {
	cfg := &clientConfig{}

	root := &cobra.Command{
		Use:   "controlplanectl",
		Short: "Operate a running control plane replica's operational HTTP surface",
	}
	root.PersistentFlags().StringVar(&cfg.addr, "addr", "http://localhost:8080", "Base URL of the control plane server")
	root.PersistentFlags().StringVar(&cfg.userID, "user-id", "", "X-User-Id header sent with admin-gated requests")
	root.PersistentFlags().StringVar(&cfg.teamIDs, "team-ids", "", "Comma-separated X-User-Teams header")
	root.PersistentFlags().StringVar(&cfg.roles, "roles", "SYS_ADMIN", "Comma-separated X-User-Roles header")
	root.PersistentFlags().DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Request timeout")

	root.AddCommand(
		refreshCommand(cfg),
		cacheClearCommand(cfg),
		driftStatisticsCommand(cfg),
		healthCommand(cfg),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func refreshCommand(cfg *clientConfig) *cobra.Command {
	var destination string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Trigger an admin refresh for a destination pattern",
		Long:  "Publishes a refresh signal scoped to a destination (service:*, service:instance, or *) so subscribed agents re-fetch their expected configuration immediately rather than waiting for the next poll.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if destination == "" {
				return fmt.Errorf("--destination is required")
			}
			q := url.Values{"destination": []string{destination}}
			return cfg.post(cmd, "/refresh?"+q.Encode())
		},
	}
	cmd.Flags().StringVar(&destination, "destination", "", "Refresh destination: 'service:*', 'service:instance', or '*'")
	return cmd
}

func cacheClearCommand(cfg *clientConfig) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "cache-clear",
		Short: "Clear a named cache, or every cache when --name is omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if name != "" {
				q.Set("cacheName", name)
			}
			target := "/cache/clear"
			if enc := q.Encode(); enc != "" {
				target += "?" + enc
			}
			return cfg.post(cmd, target)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Cache name (expected_hash, service_resolution, permissions, csot_fallback, idp_fallback, heartbeat_dedup)")
	return cmd
}

func driftStatisticsCommand(cfg *clientConfig) *cobra.Command {
	var environment string
	cmd := &cobra.Command{
		Use:   "drift-statistics",
		Short: "Print aggregate drift statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "/drift/statistics"
			if environment != "" {
				target += "?" + url.Values{"environment": []string{environment}}.Encode()
			}
			return cfg.get(cmd, target)
		},
	}
	cmd.Flags().StringVar(&environment, "environment", "", "Restrict statistics to one environment")
	return cmd
}

func healthCommand(cfg *clientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the server's dependency and cache health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.get(cmd, "/healthz")
		},
	}
}

func (cfg *clientConfig) newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, cfg.addr+path, body)
	if err != nil {
		return nil, err
	}
	if cfg.userID != "" {
		req.Header.Set("X-User-Id", cfg.userID)
	}
	if cfg.teamIDs != "" {
		req.Header.Set("X-User-Teams", cfg.teamIDs)
	}
	if cfg.roles != "" {
		req.Header.Set("X-User-Roles", cfg.roles)
	}
	return req, nil
}

func (cfg *clientConfig) post(cmd *cobra.Command, path string) error {
	req, err := cfg.newRequest(http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	return cfg.do(cmd, req)
}

func (cfg *clientConfig) get(cmd *cobra.Command, path string) error {
	req, err := cfg.newRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return cfg.do(cmd, req)
}

func (cfg *clientConfig) do(cmd *cobra.Command, req *http.Request) error {
	client := &http.Client{Timeout: cfg.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var body interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	pretty, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
