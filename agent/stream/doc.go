/*
Package stream provides a client and server for a session stream, which keeps a host session alive for as long as a WebSocket connection stays open. It is an alternative to polling the connection endpoint with keep-alives.

There is one message type in this protocol, Message, sent server->client. The client never sends data messages; it only closes the connection when it is done. The schema is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server.
2. The server runs an OpenNewConnection exchange with the host and sends a message with the URL, or with an error.
3. If the first exchange failed, the server closes the connection.
4. Otherwise, on every keep-alive interval, the server runs a KeepAlive exchange and sends a message with its outcome. A failed keep-alive does not end the stream.
5. The client initiates closing of the WebSocket connection, which stops the keep-alives.

Error messages are opaque: the cause of a failed exchange is logged on the server and never sent to the client.
*/
package stream
