/*
Package metrics provides Prometheus instrumentation for the batch pipeline.

A single Collector registers every instrument via promauto under one
namespace: HTTP surface counters and latency, intake admissions and
rejections, batch lifecycle transitions and failures, provider status
polls and token usage, per-sink delivery attempt outcomes, and database
pool gauges.
*/
package metrics
