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
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fleetwatch/internal/config"
)

var initDBPath string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration and database",
	Long:  `Write a default configuration file with a freshly generated token secret and create the database schema.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("Initializing fleetwatch...\n")

		path := configPath
		if path == "" {
			path = defaultConfigPath
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := config.NewDefault()
			secret, err := generateSecret()
			if err != nil {
				return fmt.Errorf("failed to generate token secret: %w", err)
			}
			cfg.Security.JWT.SecretKey = secret
			if initDBPath != "" {
				cfg.Database.Path = initDBPath
			}

			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("failed to save config file: %w", err)
			}
			cmd.Printf("✓ Configuration file created: %s\n", path)
		} else {
			cmd.Printf("✓ Configuration file already exists: %s\n", path)
		}

		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		cmd.Printf("Initializing database (%s)\n", cfg.Database.Driver)
		db, err := openStore(context.Background(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		cmd.Printf("\n✅ Initialization complete!\n")
		cmd.Printf("Start the daemon with: fleetwatch serve -c %s\n", path)
		cmd.Printf("Broker: %s (topic %s)\n", cfg.Broker.URL, cfg.Broker.Topic)
		cmd.Printf("Health endpoint: http://localhost%s/api/v1/health\n", cfg.Server.Address)

		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initDBPath, "db", "", "SQLite database path")
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
