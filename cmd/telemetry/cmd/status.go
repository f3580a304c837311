/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var statusAddrFlag string

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusAddrFlag, "addr", "a", "http://localhost:9273", "base URL of the daemon's status endpoint")
}

var liveString = color.GreenString("live")
var staleString = color.YellowString("stale")

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-shot snapshot of the running daemon's bus",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		channels, err := fetchStatus(statusAddrFlag)
		if err != nil {
			return err
		}
		printStatusTable(channels)
		return nil
	},
}

func fetchStatus(addr string) ([]StatusChannel, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(addr + "/status")
	if err != nil {
		return nil, fmt.Errorf("fetching status from %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint %s returned %s", addr, resp.Status)
	}

	var channels []StatusChannel
	if err := json.NewDecoder(resp.Body).Decode(&channels); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return channels, nil
}

func printStatusTable(channels []StatusChannel) {
	if len(channels) == 0 {
		log.Warn("no channels reported by the daemon")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetColWidth(20)
	table.SetHeader([]string{"id", "value", "state"})
	for _, c := range channels {
		state := staleString
		if c.Fresh {
			state = liveString
		}
		table.Append([]string{
			fmt.Sprintf("%d", c.ID),
			fmt.Sprintf("%.3f", c.Value),
			state,
		})
	}
	table.Render()
}
