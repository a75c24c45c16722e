// Package quota tracks per-client, per-channel usage counters.
//
// Every outbound send is preceded by CheckAndReserve. A reservation is then
// either committed once the provider accepted the message, or released when
// the send failed before any provider-side cost was incurred. Counters for a
// (client, channel) pair are guarded by their own lock so unrelated clients
// never contend. Day and month periods roll over lazily, on the first access
// after a UTC boundary.
package quota
