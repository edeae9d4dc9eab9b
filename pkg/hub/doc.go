// Package hub is the WebSocket relay agents and coordinators stream their
// status through.
//
// Peers connect to /ws and exchange channel.Message envelopes. The hub
// answers heartbeats with heartbeat_ack itself and forwards every other
// message, unchanged, to all other connected peers. Per-peer rate limiting
// drops floods without disconnecting the peer. /healthz, /clients and
// /metrics expose liveness, the peer list and Prometheus metrics.
package hub
