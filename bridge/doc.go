// Package bridge drives a knowledge worker process over line-delimited JSON
// on its stdin and stdout.
//
// Every request carries a strictly increasing id and the worker may answer in
// any order. Responses are matched back to callers by id; output that cannot be
// matched is reported as a Diagnostic instead of silently dropped.
//
// Graph queries go through a bounded FIFO cache with a TTL, and concurrent
// identical queries share a single worker call. Updates clear the cache.
//
//	b, err := bridge.New(bridge.Config{Command: "python3", Script: "worker.py"})
//	if err != nil {
//		return err
//	}
//	defer b.Stop(context.Background())
//
//	res, err := b.QueryGraph(ctx, map[string]any{"text": "churn drivers"})
//	if err != nil {
//		return err
//	}
//	fmt.Println(res.Get("nodes.#").Int())
//
// The worker is spawned lazily on the first call, or eagerly by Start. When it
// exits, outstanding calls fail with an *ExitError and the next call starts a
// fresh process.
package bridge
