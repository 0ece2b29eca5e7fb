// Package feedtest provides an in-process HSM market-watch feed.
//
// Feed speaks enough of the HSM protocol to drive a real client end to end:
// it acknowledges "cn" frames, tracks mws/ifs/dps subscriptions per channel,
// honours cp/cr pause and resume, emits "ti" heartbeats and publishes ticks
// for subscribed scrips. Every inbound frame is recorded for assertions.
//
// Server wraps a Feed in an httptest.Server for tests; cmd/mockfeed serves a
// Feed on a real port with a simulated price walk.
package feedtest
