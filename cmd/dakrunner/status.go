package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var addr string
	var metrics bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running interface's read-only status/metrics surface",
		Long: `status issues a GET against a dakrunner process's pkg/status HTTP
surface (--status-addr on that process) and prints the response. It is a
thin HTTP client; it has no access to the target process's in-memory
state beyond what that surface reports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr, metrics)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8099", "base address of the status server")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "query /metrics instead of /status")

	return cmd
}

func runStatus(addr string, metrics bool) error {
	path := "/status"
	if metrics {
		path = "/metrics"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + path)
	if err != nil {
		return fmt.Errorf("status: query %s%s: %w", addr, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("status: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: %s%s returned %s: %s", addr, path, resp.Status, body)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
