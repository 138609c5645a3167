// Package planefinder ingests the Planefinder firehose: a TLS stream of
// escape-framed, gzip-compressed JSON payloads describing live aircraft.
//
// # Pipeline
//
// The data path is a single synchronous chain per connection:
//
//	feed.Session -> framing.Extract -> decode.Decoder -> filter.Engine -> consumers
//
// The session owns the connection lifecycle (dial, credential handshake,
// bounded-timeout reads, fixed-delay reconnect). The framing codec
// reassembles DLE-delimited frames across reads. The decoder inflates and
// parses each frame into aircraft records. The filter engine admits
// airborne aircraft inside the configured altitude band and fans accepted
// batches out to registered consumers:
//
//   - trackstore.Store: the time-decaying cache of live positions
//   - output/natspub.Publisher: batch publication to a NATS subject
//   - output/wsfeed.Server: WebSocket broadcast to subscribers
//
// statusapi serves the operational HTTP surface (status document, track
// snapshot, runtime filter adjustment); metric exposes Prometheus metrics.
//
// cmd/planefinder wires the pieces into the daemon.
package planefinder
