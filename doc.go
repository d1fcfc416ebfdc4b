// Package launcher is the execution engine of a host-embedded script launcher.
//
// Work ("scripts") is submitted through a Coordinator and runs either on one
// designated affinity thread, required for UI-toolkit and other
// non-thread-safe operations, or on a bounded pool of background workers.
// Output, lifecycle, cancellation and timeouts are tracked per execution
// regardless of which side it ran on.
//
// # Quick Start
//
// Build an engine from configuration once at startup:
//
//	engine, err := launcher.New(launcher.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Shutdown(context.Background())
//
// Submit work and wait for its record:
//
//	rec, err := engine.Run(ctx, launcher.WorkDescriptor{
//		ID:   "scripts/hello.txt",
//		Kind: "plain",
//		Payload: launcher.Payload{
//			Run: func(ec *launcher.ExecutionContext) (any, error) {
//				ec.Println("hello")
//				return 42, nil
//			},
//		},
//	})
//
// # Key Concepts
//
// AffinityRule: a pure predicate that may force work onto the affinity
// thread. Metadata rules (kind lists, CEL expressions) always run before
// introspection rules that read the script source.
//
// MainAffinityExecutor: runs one Main-mode body at a time and hands the
// thread back to the host between bodies.
//
// WorkerPoolExecutor: runs Background bodies on a fixed number of workers; a
// deadline frees the worker even if the body keeps running.
//
// OutputCapture: the per-execution output sink. A body reaches it only
// through its ExecutionContext, so callbacks that fire late still write to
// the right execution.
//
// # Thread Safety
//
// The Coordinator is the single writer of execution state. Executors report
// over an unbounded queue to one control goroutine; GetRecord loads
// immutable snapshots without locking the registry.
//
// # Embedding in a host loop
//
// Hosts with their own event loop pass a HostLoopThread and pump it:
//
//	thread := launcher.NewHostLoopThread("ui")
//	engine, _ := launcher.New(cfg, launcher.WithAffinityThread(thread))
//	// from the host's timer callback, on the UI thread:
//	thread.RunPending(1)
package launcher
