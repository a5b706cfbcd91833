// Package event provides the in-process event bus used by the engine to
// report plan, task, device, scheduler and framing activity.
//
// Publishers never depend on subscribers. The CLI subscribes to render
// progress; tests subscribe to observe ordering.
//
//	bus := event.NewBus()
//	bus.Subscribe(event.TypeTaskFinished, func(e event.Event) {
//	    done := e.(event.TaskFinishedEvent)
//	    fmt.Println(done.TaskID, done.Success)
//	})
//
// Handlers run synchronously on the publishing goroutine and must not block.
// A panicking handler is recovered so the rest still receive the event.
package event
