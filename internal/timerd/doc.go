// Package timerd provides the timer scheduling engine. It keeps every piece
// of mutable scheduling state confined to a single strand queue, persists
// timer lifecycle transitions to the store, and fans lifecycle events out to
// SSE subscribers through a broker.
package timerd
