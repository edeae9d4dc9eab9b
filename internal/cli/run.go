package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/wavefront/pkg/agent"
)

var runCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run one work item with a single agent",
	Long: `Run the tasks of one work item with a single agent, ignoring its
dependencies. Use coordinate to respect dependency order.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	if len(ids) != 1 {
		return fmt.Errorf("run takes exactly one work item id")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	item, err := a.cache.Item(ctx, ids[0])
	if err != nil {
		return err
	}

	cfg := a.agentTemplate()
	cfg.Item = *item
	ag, err := agent.New(cfg)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ag.Shutdown(context.WithoutCancel(ctx), "interrupted")
		case <-done:
		}
	}()

	res, runErr := ag.Run(ctx)
	close(done)
	out := cmd.OutOrStdout()
	if res != nil {
		fmt.Fprintf(out, "%s %d %s in %s\n", bold("Work item"), res.ItemID, statusLabel(res.Status), formatDuration(res.Duration))
		for _, task := range res.Tasks {
			fmt.Fprintf(out, "  %s %s %s\n", green("ok"), task.TaskID, dim(task.Kind))
		}
		if res.Error != "" {
			fmt.Fprintf(out, "  %s\n", red(a.log.Redact(res.Error)))
		}
		if res.Recoveries > 0 {
			fmt.Fprintf(out, "  %s\n", yellow(fmt.Sprintf("%d recoveries", res.Recoveries)))
		}
	}
	return runErr
}
