// Package natsclient wraps a NATS connection with a circuit breaker and a
// small JetStream key-value store used for cluster membership.
//
// The circuit breaker counts consecutive connection failures. After the
// threshold (default 5) the circuit opens and Connect fails fast with
// ErrCircuitOpen until the backoff elapses, doubling each round up to the
// configured maximum.
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithName("moq-relay"),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
//	    Bucket: "moq_nodes",
//	    TTL:    30 * time.Second,
//	})
//	store := client.NewKVStore(bucket)
package natsclient
