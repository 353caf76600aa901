// Package notifier delivers operator notifications for taskd.
//
// Two kinds of message go through it:
//
//   - classified alerts (success, warning, error) for finished task runs,
//     queued, deduplicated and rate limited;
//   - progress messages, sent once when a run starts and then edited in
//     place until the run is finalized.
//
// # Transport
//
// Delivery is delegated to a transport.Adapter (Telegram or the log sink),
// usually wrapped in a circuit breaker.
//
// # History
//
// The service keeps a small in-memory history of sent alerts.
package notifier
