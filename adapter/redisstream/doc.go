// Package redisstream adapts Redis Streams as a finbus transport.
//
// Each topic maps to a stream. Consumer groups are created on demand
// (XGROUP CREATE MKSTREAM), publishing is pipelined XADD, and consumption
// runs a blocking XREADGROUP loop per subscription with exponential backoff
// on transient errors. Ack maps to XACK; Nack copies the record to a
// configured dead-letter stream and then acknowledges the original so a
// poison record cannot loop forever.
package redisstream
