package transport

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/dispatchkit/dispatchkit/pkg/errors"
	"github.com/dispatchkit/dispatchkit/pkg/logging"
	"github.com/dispatchkit/dispatchkit/pkg/protocol"
)

// maxLineBytes bounds a single wire message on stream transports.
const maxLineBytes = 4 * 1024 * 1024

// Stream is the byte-stream transport: newline-delimited JSON messages over
// an io.Reader / io.Writer pair. With nil streams it binds to stdin and
// stdout, which is why loggers in this module write to stderr.
type Stream struct {
	reader io.Reader
	logger logging.Logger

	writeMu sync.Mutex
	writer  *bufio.Writer

	incoming chan *protocol.Message
	done     chan struct{}
	once     sync.Once
}

// StreamConfig configures a stream transport.
type StreamConfig struct {
	// Reader for inbound messages (default os.Stdin).
	Reader io.Reader
	// Writer for outbound messages (default os.Stdout).
	Writer io.Writer
	// Logger for malformed-input and shutdown events (default discard).
	Logger logging.Logger
}

// NewStream creates a stream transport.
func NewStream(config StreamConfig) *Stream {
	if config.Reader == nil {
		config.Reader = os.Stdin
	}
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}
	return &Stream{
		reader:   config.Reader,
		logger:   config.Logger,
		writer:   bufio.NewWriter(config.Writer),
		incoming: make(chan *protocol.Message, 16),
		done:     make(chan struct{}),
	}
}

// Open implements Transport, starting the read loop.
func (s *Stream) Open(ctx context.Context) error {
	go s.readLoop()
	return nil
}

func (s *Stream) readLoop() {
	defer close(s.incoming)

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			// A caller that cannot be parsed cannot be correlated,
			// so the error response carries a null id.
			s.logger.Warn("dropping malformed message", logging.ErrorField(err))
			reply := protocol.NewErrorResponse(nil, errors.CodeParseError, "parse error", nil)
			if sendErr := s.Send(context.Background(), reply); sendErr != nil {
				return
			}
			continue
		}

		select {
		case s.incoming <- msg:
		case <-s.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("stream read failed", logging.ErrorField(err))
	}
}

// Receive implements Transport.
func (s *Stream) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg, ok := <-s.incoming:
		if !ok {
			return nil, errClosed()
		}
		return msg, nil
	case <-s.done:
		return nil, errClosed()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements Transport. The write lock keeps concurrent messages from
// interleaving on the shared stream.
func (s *Stream) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-s.done:
		return errClosed()
	default:
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return errors.TransportClosed(err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return errors.TransportClosed(err)
	}
	if err := s.writer.Flush(); err != nil {
		return errors.TransportClosed(err)
	}
	return nil
}

// Close implements Transport. Closing the underlying reader, when it supports
// closing, unblocks the read loop.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if closer, ok := s.reader.(io.Closer); ok {
			_ = closer.Close()
		}
		s.writeMu.Lock()
		_ = s.writer.Flush()
		s.writeMu.Unlock()
	})
	return nil
}
