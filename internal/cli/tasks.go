// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/jaycherian/media-vector-search/internal/core/model"
	"github.com/jaycherian/media-vector-search/internal/core/tasks"
	"github.com/spf13/cobra"
)

func newTasksCommand(env *Env) *cobra.Command {
	var status, file, user string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the embedding tasks of the persisted registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				file = env.Config().Orchestrator.TaskRegistryPath
			}
			loaded, err := tasks.ReadFile(file)
			if err != nil {
				return err
			}

			var summary model.TaskSummary
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tUSER\tFILE\tATTEMPTS\tERROR")
			for _, t := range loaded {
				if (status != "" && string(t.Status) != status) || (user != "" && t.UserID != user) {
					continue
				}
				summary.Add(t.Status)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", t.ID, t.Status, t.UserID, t.FileName, t.Attempts, t.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total %d: pending %d, running %d, done %d, failed %d\n",
				summary.Total, summary.Pending, summary.Running, summary.Done, summary.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status (pending, running, done, failed)")
	cmd.Flags().StringVar(&user, "user", "", "only tasks of this user")
	cmd.Flags().StringVar(&file, "file", "", "registry file (default from configuration)")
	return cmd
}
