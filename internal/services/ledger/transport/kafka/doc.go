// Package kafka publishes broadcast events to Kafka as an outbox sink.
//
// Messages are keyed by stream so every event of one aggregate lands on the
// same partition in revision order. Consumers deduplicate on the event_id
// header since delivery is at least once.
package kafka
