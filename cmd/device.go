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
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	deviceCompanyID int64
	deviceName      string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage the device directory",
	Long:  `Register sensors, attach them to companies and assign them to users.`,
}

var deviceAddCmd = &cobra.Command{
	Use:   "add <sensor-id>",
	Short: "Register a sensor with a company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if deviceCompanyID <= 0 {
			return fmt.Errorf("--company is required")
		}

		cfg, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		device, err := db.CreateDevice(cmd.Context(), args[0], deviceCompanyID, deviceName)
		if err != nil {
			return err
		}

		cmd.Printf("✓ Device %d registered: sensor %s, company %d\n", device.ID, device.SensorID, device.CompanyID)
		return nil
	},
}

func assignmentCommand(use, short string, unassign bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <device-id> <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid device id %q", args[0])
			}
			userID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[1])
			}

			cfg, err := loadConfiguration()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if unassign {
				if err := db.UnassignDevice(cmd.Context(), deviceID, userID); err != nil {
					return err
				}
				cmd.Printf("✓ Device %d unassigned from user %d\n", deviceID, userID)
				return nil
			}

			if err := db.AssignDevice(cmd.Context(), deviceID, userID); err != nil {
				return err
			}
			cmd.Printf("✓ Device %d assigned to user %d\n", deviceID, userID)
			return nil
		},
	}
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		devices, err := db.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			cmd.Println("No devices registered")
			return nil
		}

		rows := make([][]string, 0, len(devices))
		for _, d := range devices {
			rows = append(rows, []string{
				strconv.FormatInt(d.ID, 10),
				d.SensorID,
				strconv.FormatInt(d.CompanyID, 10),
				d.Name,
			})
		}

		headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B")).Bold(true).Padding(0, 1)
		cellStyle := lipgloss.NewStyle().Padding(0, 1)
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))).
			Headers("ID", "SENSOR", "COMPANY", "NAME").
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})

		cmd.Println(t.Render())
		return nil
	},
}

func init() {
	deviceAddCmd.Flags().Int64Var(&deviceCompanyID, "company", 0, "owning company id")
	deviceAddCmd.Flags().StringVar(&deviceName, "name", "", "display name")

	deviceCmd.AddCommand(deviceAddCmd)
	deviceCmd.AddCommand(assignmentCommand("assign", "Give a user visibility of a device", false))
	deviceCmd.AddCommand(assignmentCommand("unassign", "Remove a user's visibility of a device", true))
	deviceCmd.AddCommand(deviceListCmd)
}
