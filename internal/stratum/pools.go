// Package stratum implements the Stratum V1 mining protocol: session
// management, message parsing, per-miner job derivation and share
// validation.
package stratum

import "sync"

// lineBufferSize is the scanner buffer handed to each session's read loop.
// Stratum lines are small; 4KB leaves room for verbose mining.configure
// requests.
const lineBufferSize = 4096

// Pools for the per-message hot path. Once warm, an inbound line allocates
// neither a Message nor a scanner buffer.
var (
	messagePool = sync.Pool{New: func() any { return new(Message) }}
	bufferPool  = sync.Pool{New: func() any { b := make([]byte, lineBufferSize); return &b }}
)

// GetMessage returns a cleared Message from the pool.
func GetMessage() *Message {
	msg := messagePool.Get().(*Message)
	*msg = Message{}
	return msg
}

// PutMessage makes msg available for reuse. Callers must not touch it after.
func PutMessage(msg *Message) {
	if msg != nil {
		messagePool.Put(msg)
	}
}

// GetBuffer returns a scanner buffer from the pool.
func GetBuffer() []byte {
	return *bufferPool.Get().(*[]byte)
}

// PutBuffer makes buf available for reuse.
func PutBuffer(buf []byte) {
	if buf != nil {
		bufferPool.Put(&buf)
	}
}
