// Package broadcaster keeps a resilient subscription to a pub/sub transport.
//
// A Manager owns the channel subscription set. It reports its health as a
// stream of StatusChangeEvents and delivers messages in batches. When it
// detects an outage (a transport network error, a stalled process, or the
// application going offline and back online) it confirms its subscriptions.
// It then replays missed history through the catch-up engine before declaring
// the connection healthy again.
//
// Channels the transport refuses are recovered by requesting an access grant
// and resubscribing. Channels whose grant is refused are dropped. A session
// whose credential is rejected even after grants is aborted.
//
// Basic usage:
//
//	manager, err := broadcaster.NewManager().
//	    WithTransport(t).
//	    WithLogger(logger).
//	    Build()
//	if err != nil {
//	    return err
//	}
//	manager.OnStatusChange(func(ev broadcaster.StatusChangeEvent) { ... })
//	manager.OnMessages(func(msgs []transport.Message) { ... })
//	if err := manager.Start(ctx); err != nil {
//	    return err
//	}
//	manager.Subscribe("user-42", "team-7")
package broadcaster
