/*
Package protocol defines the commands sent to the host process and the responses it sends back.

The host process reads commands from one named pipe and writes responses to another. The pipes carry plain UTF-8 text with
no framing: one command per write, one response per read. A read ends when the host closes its end of the pipe.

There are three commands:

 1. OpenNewConnection asks the host for a connection URL, starting a session if there isn't one.
 2. KeepAlive tells the host that the current session is still in use.
 3. Ping checks that the host is responsive and returns the current session URL.

Ping is encoded as "PING\n", which is the token the host matches on. The other two are sent as their bare names.

A response is valid if, after trimming whitespace, it starts with "http". Anything else (including an empty response, or the
"ERROR" token the host writes when it fails to start a session) is rejected with ErrInvalidResponse.
*/
package protocol
