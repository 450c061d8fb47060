/*
Package protocol defines the messages exchanged between the rsupport server and its clients, how they are encoded, and the subjects they travel on.

Every message is an Envelope. The Type field says which payload field is set; request and response envelopes also carry a RequestID, which the server generates per call and the client echoes unchanged. The RequestID is the only thing that ties a response to its request.

Subjects have the form <prefix>.<kind>.<client id>. Clients publish on the register, heartbeat and reply kinds, which the server consumes with one wildcard subscription each. The server publishes requests on the command, sysinfo, ping, shutdown and log kinds addressed to exactly one client, and each client subscribes to <prefix>.*.<its id>.

The conversation proceeds as follows:

1. The client publishes a register envelope with its Registration, then a heartbeat envelope every heartbeat interval.
2. The server publishes a request envelope (command_request, sysinfo_request, ping, shutdown_request or log_request) with a fresh RequestID on the client's subject for that kind.
3. The client runs the request and publishes exactly one response envelope (command_response, sysinfo_response, pong or ack) with the same RequestID on its reply subject.
4. The server resolves the pending call with that RequestID, or discards the response if the call already timed out.

There is no acknowledgement of registration and no cancellation message. A client that reconnects simply registers again.
*/
package protocol
