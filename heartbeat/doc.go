/*
Package heartbeat implements both halves of client liveness.

Heartbeats are the only liveness signal on a bus without connections. A client's Emitter publishes one immediately and then every interval for as long as its session is established. The server's Monitor periodically ages every registry record: a client silent for longer than StaleAfter is marked Stale, and a Stale client silent for longer than EvictAfter is evicted. Because eviction only happens from Stale, the operator always sees a client go Stale before it disappears, and a single late heartbeat never removes a client.
*/
package heartbeat
