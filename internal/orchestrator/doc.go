// Package orchestrator executes test plans: a set of device commands with
// dependency edges.
//
// Execute validates the plan, then repeatedly starts every pending task
// whose dependencies have finished. Ready tasks run concurrently, each one
// holding its resource lock (when it names a ResourceID) and then its device
// lock for the duration of an attempt. The loop blocks until some running
// task reports back, so no polling is involved.
//
// A failed task cancels the plan unless it is fire-and-forget: running
// tasks observe a cancelled context and pending ones are skipped. Tasks
// whose dependencies are missing, failed or can never finish are skipped
// with a reason instead of being run.
//
// The orchestrator obtains devices through a [Resolver], normally a
// *devicepool.Pool:
//
//	pool := devicepool.New(devicepool.WithFactory("sim.instrument", sim.NewInstrument))
//	o, _ := orchestrator.New(pool, orchestrator.WithLogger(logger))
//	res, _ := o.Execute(ctx, p)
//	if !res.Success {
//		fmt.Println(res.Message)
//	}
package orchestrator
