// Package codec implements the HSM wire format.
//
// Inbound frames are classified by their "type" field:
//   - cn / cn_ack: connect acknowledgement (or rejection)
//   - mwt, sf, if: price ticks
//   - ti: heartbeat
//   - anything else: preserved as an Unknown event
//
// Frames may carry a single JSON object or an array of objects. Parsing never
// panics; malformed payloads produce a *ParseError and are dropped by the
// caller.
//
// Outbound serializers are pure: identical inputs give byte-identical output.
package codec
