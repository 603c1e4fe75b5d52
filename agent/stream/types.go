package stream

// Message reports the outcome of one exchange with the host.
// Exactly one of URL and Error is set.
type Message struct {
	URL   string `json:",omitempty"`
	Error string `json:",omitempty"`

	// KeepAlive is false for the first message of a stream, which reports the connection itself.
	KeepAlive bool `json:",omitempty"`
	// Time is when the exchange finished, in RFC3339 format.
	Time string
}

// FailureMessage is the only error text ever sent to clients.
const FailureMessage = "Failed to communicate with host process"
