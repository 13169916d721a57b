// Package bootstrap builds the alert pipeline from configuration and runs
// the consumer, maintenance loop and ops server until shutdown.
//
//	app, err := bootstrap.NewApp(ctx, "config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	app.WaitForShutdown(ctx) // blocks on SIGINT, SIGTERM or ctx.Done
package bootstrap
