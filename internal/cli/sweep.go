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

	"github.com/jaycherian/media-vector-search/internal/core/workflow"
	"github.com/spf13/cobra"
)

func newSweepCommand(env *Env) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete the stored objects left behind by failed uploads",
		Long: `Reads the orphan ledger and deletes every recorded object from the bucket.
Objects that are already gone count as deleted, so the sweep can be re-run safely.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config := env.Config()
			ledger := workflow.NewOrphanLedger(config.Ingestion.OrphanLedgerPath)
			if err := ledger.Load(); err != nil {
				return err
			}
			pending := ledger.Pending()
			if dryRun || len(pending) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d orphaned objects pending.\n", len(pending))
				for _, r := range pending {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s (user %s): %s\n", r.Path, r.UserID, r.Reason)
				}
				return nil
			}

			objects, closeFn, err := env.OpenStorage(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer closeFn()

			report, err := workflow.NewOrphanSweeper(ledger, objects).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d orphaned objects, %d failed.\n", report.Deleted, report.Failed)
			for _, p := range report.Paths {
				fmt.Fprintf(cmd.OutOrStdout(), "  failed: %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the pending objects without deleting them")
	return cmd
}
