package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/wavefront/pkg/coordinator"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [id...]",
	Short: "Show work item status",
	Long:  `Show the status of the given work items, or of every item in the store.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	coord, err := coordinator.New(coordinator.Config{
		Updater: a.updater,
		Logger:  a.log.Component("coordinator"),
	})
	if err != nil {
		return err
	}

	rows, err := coord.Status(cmd.Context(), ids)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No work items")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, bold("ID\tSTATUS\tTASKS\tDEPENDS ON\tUPDATED\tTITLE"))
	for _, row := range rows {
		updated := "-"
		if !row.UpdatedAt.IsZero() {
			updated = formatDuration(time.Since(row.UpdatedAt)) + " ago"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			row.ID, statusLabel(row.Status), row.Tasks, joinIDs(row.Dependencies), updated, row.Title)
		if row.Error != "" {
			fmt.Fprintf(w, "\t%s\t\t\t\t\n", red(a.log.Redact(row.Error)))
		}
	}
	return w.Flush()
}
