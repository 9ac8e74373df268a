/*
Package stream provides the per-job output event bus.

Each running job owns one Bus. The runner publishes line-oriented chunks;
any number of subscribers read them. Chunks carry a monotonic index, and a
subscription is created atomically with its buffer snapshot, so
snapshot+live is always the complete log with no duplicates and no gaps.

Delivery never blocks the publisher: each subscriber has a bounded channel
and is dropped, not waited on, when it falls behind. Closing the bus ends
every live stream cleanly; subscribing after close still yields the full
buffered log.

The Hub maps job ids to buses and garbage-collects a bus once it is closed
and subscriber-free.
*/
package stream
