// Package server hosts the Fiber HTTP service that stands in for the host
// runtime of the sync engine. It turns listener start-up into the activation
// event, hands every non-reserved request to the interceptor, and carries the
// control protocol over HTTP: foreground instances subscribe to
// GET /-/control/events (Server-Sent Events) and post messages to
// POST /-/control/messages. Everything under /-/ is reserved for the engine.
package server
