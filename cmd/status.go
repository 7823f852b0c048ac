// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusVerbose bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Check the status of the running daemon via its health endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		addr := cfg.Server.Address
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			scheme := "http://"
			if cfg.Server.TLS.Enabled {
				scheme = "https://"
			}
			if strings.HasPrefix(addr, ":") {
				addr = "localhost" + addr
			}
			addr = scheme + addr
		}

		client := &http.Client{Timeout: 5 * time.Second}
		health, err := fetchHealth(client, addr+"/api/v1/health")

		if statusVerbose {
			result := map[string]interface{}{
				"online":    err == nil,
				"address":   addr,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}
			if err != nil {
				result["error"] = err.Error()
			} else {
				result["health"] = health
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		}

		if err != nil {
			cmd.Printf("Fleetwatch Status: ✗ OFFLINE\n")
			cmd.Printf("Connection Error: %v\n", err)
			return nil
		}

		cmd.Printf("Fleetwatch Status: ✓ RUNNING (%v)\n", health["status"])
		cmd.Printf("API Address: %s\n", addr)
		cmd.Printf("Broker: %s\n", check(health["broker_connected"]))
		cmd.Printf("Database: %s\n", check(health["database_ok"]))
		if sessions, ok := health["sessions"].(float64); ok {
			cmd.Printf("Live Sessions: %.0f\n", sessions)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusVerbose, "json", false, "print the raw health response as JSON")
}

func fetchHealth(client *http.Client, url string) (map[string]interface{}, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, nil
}

func check(v interface{}) string {
	if ok, _ := v.(bool); ok {
		return "✓ OK"
	}
	return "✗ DOWN"
}
