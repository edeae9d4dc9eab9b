package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/wavefront/pkg/agent"
	"github.com/harun/wavefront/pkg/workitem"
)

// ChecklistReviewer compares an agent result against the work item's task
// list. It flags missing task results, failures and empty command or http
// output.
type ChecklistReviewer struct {
	name string
}

// NewChecklistReviewer is the default ReviewerFactory
func NewChecklistReviewer(itemID int) Reviewer {
	return &ChecklistReviewer{name: fmt.Sprintf("checklist-%d", itemID)}
}

// Name returns the reviewer name
func (r *ChecklistReviewer) Name() string {
	return r.name
}

// Review implements Reviewer
func (r *ChecklistReviewer) Review(ctx context.Context, item workitem.WorkItem, result *agent.Result) (Review, error) {
	review := Review{ItemID: item.ID, Reviewer: r.name}
	if result == nil {
		review.Notes = append(review.Notes, "no agent result")
		return review, nil
	}

	if result.Status != workitem.StatusCompleted {
		review.Notes = append(review.Notes, fmt.Sprintf("finished as %s: %s", result.Status, result.Error))
	}

	done := make(map[string]agent.TaskResult, len(result.Tasks))
	for _, tr := range result.Tasks {
		done[tr.TaskID] = tr
	}
	var missing []string
	for _, task := range item.Tasks {
		tr, ok := done[task.ID]
		if !ok {
			missing = append(missing, task.ID)
			continue
		}
		if (task.Kind == workitem.KindCommand || task.Kind == workitem.KindHTTP) && strings.TrimSpace(tr.Output) == "" {
			review.Notes = append(review.Notes, fmt.Sprintf("task %s produced no output", task.ID))
		}
	}
	if len(missing) > 0 {
		review.Notes = append(review.Notes, "tasks without result: "+strings.Join(missing, ", "))
	}
	if result.Recoveries > 0 {
		review.Notes = append(review.Notes, fmt.Sprintf("needed %d recovery attempts", result.Recoveries))
	}

	review.Approved = result.Status == workitem.StatusCompleted && len(missing) == 0
	return review, nil
}
