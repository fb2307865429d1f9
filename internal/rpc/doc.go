// Package rpc exposes a Lighthouse over HTTP and gRPC.
//
// Both transports carry the same JSON payloads defined in package cluster
// and the same semantics:
//
//	HTTP                         gRPC (lighthouse.v1.Lighthouse)
//	POST /heartbeat              Heartbeat            unary
//	POST /join                   Join                 unary
//	GET  /failures/subscribe     SubscribeFailures    server stream
//	GET  /status                 Status               unary
//	GET  /health                 grpc.health.v1
//	GET  /metrics
//
// The failure stream over HTTP is newline-delimited JSON, flushed after
// every notification. Over gRPC the messages use the "json" codec
// registered by this package, so clients must call with
// grpc.CallContentSubtype(CodecName).
//
// Invalid requests map to 400 / codes.InvalidArgument and a stopped
// lighthouse to 503 / codes.Unavailable.
package rpc
