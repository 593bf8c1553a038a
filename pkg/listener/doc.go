// Package listener ingests work-item events and delivers them in order.
//
// Two backends feed one Dispatcher. The WebhookServer verifies GitHub's
// HMAC-SHA256 signature before parsing anything and answers 401 on a bad
// signature, 400 on a malformed payload and 202 otherwise. The
// QueueConsumer leases messages from a durable Queue and acknowledges each
// one only after its handler succeeded.
//
// The Dispatcher runs one sequential lane per session key (the work item)
// and drops events whose dedup key it admitted recently. A failed event's
// key is forgotten again so that its redelivery is processed.
package listener
