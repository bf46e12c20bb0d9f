// Package transport carries wire messages between callers and the dispatch
// runtime. Transports are exchangeable: the session and pipeline layers see
// only the Transport interface, so a server negotiated over standard streams
// behaves identically to one negotiated over HTTP.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dispatchkit/dispatchkit/pkg/errors"
	"github.com/dispatchkit/dispatchkit/pkg/protocol"
)

// Transport is one bidirectional message channel to a single caller. All
// implementations guarantee that concurrent Sends do not interleave bytes on
// the wire and that every method returns a transport_closed error after Close.
type Transport interface {
	// Open readies the channel and starts any background readers. It must
	// be called exactly once, before Receive or Send.
	Open(ctx context.Context) error

	// Receive blocks until the next inbound message, the context ends, or
	// the channel closes.
	Receive(ctx context.Context) (*protocol.Message, error)

	// Send writes one message. Sends are atomic with respect to each
	// other.
	Send(ctx context.Context, msg *protocol.Message) error

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

func errClosed() error {
	return errors.TransportClosed(nil)
}

func encodeMessage(msg *protocol.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encode message")
	}
	return data, nil
}

// correlationKey flattens a JSON-RPC id into a map key. String and numeric
// ids that render the same are treated as the same caller id.
func correlationKey(id any) string {
	return fmt.Sprintf("%v", id)
}
