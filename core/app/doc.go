// Package app supervises the long-running pieces of an event-sourced
// service, such as outbox relays, store sweeps and saga managers.
//
// Runnables start in registration order and stop in reverse, either
// explicitly via [App.Stop] or when the configured context ends.
//
// # Basic Usage
//
//	a, err := app.Run(app.Config{Log: log},
//	    relay,
//	    app.NewRunnable(nil, manager.Close),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Graceful shutdown
//	a.Shutdown(ctx)
//
// When a component fails to start, the components started before it are
// stopped again and the error is returned, so Run either leaves everything
// running or nothing.
package app
