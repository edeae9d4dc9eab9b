// Package commandqueue runs jobs in named lanes, FIFO per lane, with a
// concurrency limit per lane.
//
// The work item store funnels every read-modify-write through a lane with
// concurrency 1, so agents finishing at the same time never overwrite each
// other's status. Jobs that wait or run longer than WarnAfter are logged and
// reported as EventSlow.
//
//	queue := commandqueue.New(commandqueue.Config{Lanes: map[string]int{"store": 1}})
//	defer queue.Close()
//	doc, err := queue.Enqueue(ctx, "store", func(ctx context.Context) (interface{}, error) {
//		return store.Load(ctx)
//	}, &commandqueue.Options{Label: "load"})
package commandqueue
