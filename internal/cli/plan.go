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
	"strconv"
	"text/tabwriter"

	"github.com/jaycherian/media-vector-search/internal/core/media"
	"github.com/spf13/cobra"
)

func newPlanCommand(env *Env) *cobra.Command {
	var limitMinutes, chunkMinutes, overlapSeconds float64
	cmd := &cobra.Command{
		Use:   "plan <duration-seconds>",
		Short: "Print the chunk plan for a video of the given duration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			duration, err := strconv.ParseFloat(args[0], 64)
			if err != nil || duration <= 0 {
				return fmt.Errorf("invalid duration %q", args[0])
			}
			ingestion := env.Config().Ingestion
			if !cmd.Flags().Changed("limit-minutes") {
				limitMinutes = ingestion.VideoLimitMinutes
			}
			if !cmd.Flags().Changed("chunk-minutes") {
				chunkMinutes = ingestion.ChunkMinutes
			}
			if !cmd.Flags().Changed("overlap-seconds") {
				overlapSeconds = ingestion.OverlapSeconds
			}

			if !media.NeedsSlicing(duration, limitMinutes) {
				fmt.Fprintf(cmd.OutOrStdout(), "%.1f minutes is within the %.0f minute limit; stored whole.\n", duration/60, limitMinutes)
				return nil
			}
			plan := media.PlanChunks(duration, chunkMinutes*60, overlapSeconds)
			fmt.Fprintf(cmd.OutOrStdout(), "%d chunks:\n", len(plan))
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tSTART\tEND\tMINUTES")
			for _, c := range plan {
				fmt.Fprintf(w, "%d\t%.1f\t%.1f\t%.2f\n", c.Index, c.Start, c.End(), c.Duration/60)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Float64Var(&limitMinutes, "limit-minutes", 0, "longest video stored whole (default from configuration)")
	cmd.Flags().Float64Var(&chunkMinutes, "chunk-minutes", 0, "target chunk length (default from configuration)")
	cmd.Flags().Float64Var(&overlapSeconds, "overlap-seconds", 0, "overlap between chunks (default from configuration)")
	return cmd
}
