package transport

import (
	"io"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-comms/internal/reactor"
)

// deadlineWriter is implemented by connections that support write deadlines.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// session is one open connection with its reader and writer goroutines.
// Reads and the final close are posted onto the device loop tagged with gen,
// so events from a superseded connection can be told apart.
type session struct {
	gen      uint64
	rwc      io.ReadWriteCloser
	writes   chan []byte
	done     *closeOnce
	closeMu  sync.Once
	openedAt time.Time
	stats    *stats

	writeTimeout time.Duration
}

func startSession(
	sched reactor.Scheduler,
	gen uint64,
	rwc io.ReadWriteCloser,
	st *stats,
	writeTimeout time.Duration,
	onData func(gen uint64, data []byte),
	onClose func(gen uint64, err error),
) *session {
	s := &session{
		gen:          gen,
		rwc:          rwc,
		writes:       make(chan []byte, DefaultWriteQueueSize),
		done:         newCloseOnce(),
		openedAt:     sched.Now(),
		stats:        st,
		writeTimeout: writeTimeout,
	}
	go s.readLoop(sched, onData, onClose)
	go s.writeLoop()
	return s
}

// send queues b for the writer goroutine.
func (s *session) send(b []byte) error {
	select {
	case <-s.done.Done():
		return ErrClosed
	default:
	}
	select {
	case s.writes <- b:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// closeAfterWrites closes once everything already queued has been written.
func (s *session) closeAfterWrites() {
	select {
	case s.writes <- nil:
	default:
		s.close()
	}
}

// close shuts the connection. The reader then reports the close on the loop.
func (s *session) close() {
	s.closeMu.Do(func() {
		s.done.Close()
		_ = s.rwc.Close()
	})
}

func (s *session) readLoop(sched reactor.Scheduler, onData func(uint64, []byte), onClose func(uint64, error)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.stats.bytesRx.Add(uint64(n))
			s.stats.lastActivity.Store(time.Now().UnixNano())
			sched.Post(func() { onData(s.gen, data) })
		}
		if err != nil {
			s.close()
			sched.Post(func() { onClose(s.gen, err) })
			return
		}
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done.Done():
			return
		case b := <-s.writes:
			if b == nil {
				s.close()
				return
			}
			if dw, ok := s.rwc.(deadlineWriter); ok && s.writeTimeout > 0 {
				_ = dw.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if _, err := s.rwc.Write(b); err != nil {
				s.close()
				return
			}
			s.stats.bytesTx.Add(uint64(len(b)))
			s.stats.lastActivity.Store(time.Now().UnixNano())
		}
	}
}
