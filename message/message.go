package message

// Route asks the manager to deliver Payload to the comet client ClientID.
type Route struct {
	ID       string `json:"id,omitempty" msgpack:",omitempty"` // publisher assigned, for log correlation
	ClientID []byte `json:"client_id"`
	Payload  []byte `json:"payload"`
	Txtime   int64  `json:"txtime,omitempty" msgpack:",omitempty"` // epoch milliseconds
}

// Hello is sent by a worker on every connect to the manager.
type Hello struct {
	WorkerIndex uint8 `json:"worker_index"`
}
