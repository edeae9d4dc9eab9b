package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/wavefront/pkg/coordinator"
	"github.com/harun/wavefront/pkg/workitem"
)

var (
	coordinateAll         bool
	coordinateJSON        bool
	coordinateMaxParallel int
	coordinateNoReview    bool
)

var coordinateCmd = &cobra.Command{
	Use:   "coordinate [id...]",
	Short: "Run work items in dependency order",
	Long: `Run the given work items with one agent each. Items whose dependencies
are satisfied run together as a wavefront; a failed item blocks everything
that depends on it.`,
	RunE: runCoordinate,
}

func init() {
	coordinateCmd.Flags().BoolVar(&coordinateAll, "all", false, "coordinate every work item that is not completed")
	coordinateCmd.Flags().BoolVar(&coordinateJSON, "json", false, "print the run result as JSON")
	coordinateCmd.Flags().IntVar(&coordinateMaxParallel, "max-parallel", -1, "agents per wavefront (0 = unlimited, default from config)")
	coordinateCmd.Flags().BoolVar(&coordinateNoReview, "no-review", false, "skip advisory reviews")
	rootCmd.AddCommand(coordinateCmd)
}

func runCoordinate(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if coordinateAll {
		doc, err := a.updater.Load(ctx)
		if err != nil {
			return err
		}
		for _, item := range doc.Items {
			if item.Status != workitem.StatusCompleted {
				ids = append(ids, item.ID)
			}
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no work items to coordinate, pass ids or --all")
	}

	if coordinateMaxParallel >= 0 {
		a.cfg.Coordinator.MaxParallel = coordinateMaxParallel
	}
	if coordinateNoReview {
		a.cfg.Coordinator.Review = false
	}

	coord, err := a.newCoordinator(ctx)
	if err != nil {
		return err
	}
	defer coord.Close()

	res, runErr := coord.Run(ctx, ids)
	if res == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if coordinateJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printRunSummary(cmd, res, a.log.Redact)
	}

	if runErr != nil {
		return runErr
	}
	if !res.Succeeded() {
		return fmt.Errorf("run %s: %d failed, %d blocked", res.RunID, len(res.Failed), len(res.Blocked))
	}
	return nil
}

func printRunSummary(cmd *cobra.Command, res *coordinator.Result, redact func(string) string) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%s %s %s\n", bold("Run"), res.RunID, dim(formatDuration(res.Duration)))
	for i, wave := range res.Wavefronts {
		fmt.Fprintf(out, "  %s %d: %s\n", cyan("wavefront"), i+1, joinIDs(wave))
	}

	fmt.Fprintf(out, "%s %s\n", green("completed:"), joinIDs(res.Completed))
	if len(res.Failed) > 0 {
		fmt.Fprintf(out, "%s %s\n", red("failed:"), joinIDs(res.Failed))
		for _, id := range res.Failed {
			fmt.Fprintf(out, "  %d %s\n", id, dim(redact(res.Errors[id])))
		}
	}
	if len(res.Blocked) > 0 {
		fmt.Fprintf(out, "%s %s\n", yellow("blocked:"), joinIDs(res.Blocked))
	}

	if len(res.Reviews) == 0 {
		return
	}
	reviewed := make([]int, 0, len(res.Reviews))
	for id := range res.Reviews {
		reviewed = append(reviewed, id)
	}
	sort.Ints(reviewed)

	fmt.Fprintln(out, bold("Reviews"))
	for _, id := range reviewed {
		review := res.Reviews[id]
		verdict := green("approved")
		if !review.Approved {
			verdict = yellow("needs attention")
		}
		fmt.Fprintf(out, "  %d %s %s\n", id, verdict, dim(review.Reviewer))
		for _, note := range review.Notes {
			fmt.Fprintf(out, "    - %s\n", redact(note))
		}
	}
}
