package device

import (
	"context"
	"sync"

	"github.com/coder/websocket"

	"github.com/galaxy-org/galaxy/internal/aip"
)

// sendQueueSize bounds the outbound frame queue per session. Dispatch and
// cancel traffic is low-volume; a full queue means the peer stopped reading.
const sendQueueSize = 64

// session owns one websocket connection to a device. Frames are written only
// by the writer goroutine, which serializes access to the connection.
type session struct {
	conn  *websocket.Conn
	sendq chan *aip.Message
	done  chan struct{}
	once  sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:  conn,
		sendq: make(chan *aip.Message, sendQueueSize),
		done:  make(chan struct{}),
	}
}

// send enqueues a frame for the writer goroutine. It never blocks; a full
// queue is reported as an error so callers can roll back.
func (s *session) send(msg *aip.Message) error {
	select {
	case <-s.done:
		return ErrDeviceNotConnected
	default:
	}
	select {
	case s.sendq <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop drains the send queue onto the connection until the session
// closes or a write fails.
func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.close(websocket.StatusGoingAway, "shutting down")
			return
		case msg := <-s.sendq:
			data, err := aip.Encode(msg)
			if err != nil {
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}

// readFrame reads and decodes the next frame from the connection.
func (s *session) readFrame(ctx context.Context) (*aip.Message, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return aip.Decode(data)
}
