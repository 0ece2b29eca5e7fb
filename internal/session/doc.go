// Package session implements the Streaming Session Manager.
//
// A Session is the consumer-facing boundary of the feed client. It owns one
// connection.Machine and one subscription.Registry and serializes every
// consumer command and transport event through a single run loop:
//
//	Connect / SelectInstrument / SetSubscriptions / Pause / Resume / Disconnect
//	        │
//	        ▼
//	   run loop ◄── dialer, read pump and timer events
//	        │
//	        ├── Registry diff → subscribe / unsubscribe frames
//	        └── ticks → PriceState → Listener.OnPriceUpdate
//
// Subscriptions wanted before the connect acknowledgement are issued as soon
// as the session authenticates, and re-issued after every reconnect.
//
// Listener callbacks run on the loop goroutine. They must return quickly and
// must not call back into the Session synchronously.
package session
