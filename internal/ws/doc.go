// Package ws provides the pub-sub hub behind the collaboration and job
// progress channels.
//
// The package implements:
//   - Hub: connections, per-connection sessions, rooms and per-room gate locks,
//     owned by a single run loop
//   - Handler: the JSON client protocol (ping, rooms, broadcasts, stats,
//     gate locks, collaboration relays) over WebSocket
//   - Client: the buffered WebSocket transport drained by a write pump
//   - Service: lifecycle of the hub loop
//
// Key behaviour:
//   - A failed send disconnects only that connection
//   - Disconnect releases the connection's gate locks and empties rooms
//   - Job rooms are named "{jobType}-{jobId}"; RoomReady lets a job wait for
//     its first subscriber
package ws
