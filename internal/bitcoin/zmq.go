package bitcoin

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// HashBlockTopic is the bitcoind publisher topic carrying new block hashes.
const HashBlockTopic = "hashblock"

// recvTimeout bounds each blocking receive so the listener can observe
// context cancellation between messages.
const recvTimeout = time.Second

// ZMQNotifier subscribes to Bitcoin Core's ZMQ publisher and delivers
// notifications to a handler. It is the node's block-template push trigger:
// a hashblock notification means a new best block exists and the current
// template is stale.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *slog.Logger
}

// NewZMQNotifier creates a new ZMQ notifier for the given endpoint.
func NewZMQNotifier(endpoint string, logger *slog.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen receives ZMQ messages until the context is canceled. Receives block
// with a bounded timeout rather than spinning; handler errors are logged and
// do not stop the listener.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	z.logger.Info("starting ZMQ listener")

	for {
		if err := ctx.Err(); err != nil {
			z.logger.Info("ZMQ listener stopping")
			return err
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			eno := zmq.AsErrno(err)
			if eno == zmq.Errno(syscall.EAGAIN) || eno == zmq.ETIMEDOUT {
				// Receive window elapsed with no message.
				continue
			}
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		data := msg[1]

		z.logger.Debug("received ZMQ message", "topic", topic, "size", len(data))

		if err := handler(topic, data); err != nil {
			z.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// NewHashBlockHandler adapts a best-block callback to the Listen handler
// signature, ignoring topics other than hashblock.
func NewHashBlockHandler(logger *slog.Logger, onNewBlock func(blockHash string)) func(topic string, data []byte) error {
	return func(topic string, data []byte) error {
		if topic != HashBlockTopic {
			logger.Warn("unexpected ZMQ topic", "topic", topic)
			return nil
		}

		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}

		// Reverse bytes for proper endianness
		blockHash := reverseHex(data)
		logger.Info("new block notification", "hash", blockHash)

		onNewBlock(blockHash)
		return nil
	}
}

// reverseHex reverses bytes and converts to hex string
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := 0; i < len(data); i++ {
		reversed[i] = data[len(data)-1-i]
	}
	return fmt.Sprintf("%x", reversed)
}
