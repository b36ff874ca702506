// Package config loads the relay configuration.
//
// Configuration is built in layers: Defaults, then each file added with
// AddLayer (JSON, or YAML when the file ends in .yaml or .yml), then
// MOQ_RELAY_* environment variables. Only keys present in a layer override
// the layers below it. The result is validated unless validation is disabled.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/moq-relay/relay.yaml")
//	loader.AddLayer("relay.local.json")
//	cfg, err := loader.Load()
//
// Durations are strings such as "10s" or "14d".
//
// # Environment Overrides
//
//	MOQ_RELAY_LISTEN             server.listen
//	MOQ_RELAY_WEB_LISTEN         web.listen
//	MOQ_RELAY_ACCEPT_RATE        server.accept_rate
//	MOQ_RELAY_AUTH_KEY           auth.key
//	MOQ_RELAY_AUTH_PUBLIC        auth.public
//	MOQ_RELAY_TLS_CERT           tls.server.cert_file (enables TLS)
//	MOQ_RELAY_TLS_KEY            tls.server.key_file
//	MOQ_RELAY_TLS_GENERATE       tls.server.generate, comma separated (enables TLS)
//	MOQ_RELAY_CLUSTER_NODE       cluster.node
//	MOQ_RELAY_CLUSTER_ADVERTISE  cluster.advertise
//	MOQ_RELAY_CLUSTER_TOKEN      cluster.token
//	MOQ_RELAY_CLUSTER_REGISTRY   cluster.registry (static, nats or redis)
//	MOQ_RELAY_CLUSTER_PEERS      cluster.peers, comma separated
//	MOQ_RELAY_NATS_URLS          cluster.nats.urls, comma separated
//	MOQ_RELAY_NATS_USERNAME      cluster.nats.username
//	MOQ_RELAY_NATS_PASSWORD      cluster.nats.password
//	MOQ_RELAY_NATS_TOKEN         cluster.nats.token
//	MOQ_RELAY_REDIS_ADDRS        cluster.redis.addrs, comma separated
//	MOQ_RELAY_REDIS_PASSWORD     cluster.redis.password
package config
