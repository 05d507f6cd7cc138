// Package notifier delivers short operator alerts (trap detections, pair
// pauses, session failures) to one operator channel.
//
// Notify only enqueues. A small worker pool drains the queue through a token
// bucket and retries transient send failures. Identical alerts inside the
// dedup window are suppressed, optionally across restarts via storage.Store.
package notifier
