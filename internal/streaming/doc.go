// Package streaming provides the producer and consumer plumbing of the
// service: topic producers, long-running consumers and the Manager that
// initializes every consumer before starting any of them.
//
// Two backends are available. NATSBackend maps each topic to a JetStream
// stream and each consumer group to a durable pull consumer.
// EmbeddedBackend keeps topics in a local Pebble family through the
// eventlog package and serves single-node deployments and tests.
//
//	mgr := streaming.NewManager(backend, observer, logger)
//	p, _ := mgr.CreateProducer(ctx, streaming.ProducerSpec{Topic: "events"})
//	mgr.AddConsumer(streaming.NewLoopConsumer(backend, spec, handler))
//	if err := mgr.InitAll(ctx, streaming.OffsetStored); err != nil { ... }
//	_ = mgr.StartAll()
//	_ = p.Send(ctx, []byte("k"), []byte("v"))
//	mgr.StopAll()
//	_ = mgr.DestroyAll()
package streaming
