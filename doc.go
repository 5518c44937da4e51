/*
Package mvent is a shared-memory IPC toolkit: a memory-mapped,
multi-process key/value pool with TTL expiry, change notification, and
two small protocols built on top of it — a pub/sub channel and a
request/response rendezvous.

	in, err := mvent.Open(mvent.Options{Name: "app"})
	if err != nil {
		log.Fatal(err)
	}
	defer in.Cleanup()

	cancel, err := in.Handle.On("jobs/1", func(ev watch.Event) {
		fmt.Println(ev.Key, ev.Value)
	})
	defer cancel()

	in.Handle.Emit(context.Background(), "jobs/1", "done", 0)

See the pool, watch, handle, stream, room, and router packages for the
individual components, and SPEC_FULL.md for the full design.
*/
package mvent
