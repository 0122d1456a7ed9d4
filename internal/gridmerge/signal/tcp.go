package signal

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TCPSource accepts connections from any number of workers and yields the records they stream.
type TCPSource struct {
	listener net.Listener
	signals  chan Signal
	errs     chan error
	conns    map[net.Conn]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

func ListenTCP(address string) (*TCPSource, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", address)
	}
	src := &TCPSource{
		listener: listener,
		signals:  make(chan Signal),
		errs:     make(chan error, 1),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
	src.wg.Add(1)
	go src.accept()
	return src, nil
}

// Addr is the address the source listens on.
func (src *TCPSource) Addr() string {
	return src.listener.Addr().String()
}

func (src *TCPSource) accept() {
	defer src.wg.Done()
	for {
		conn, err := src.listener.Accept()
		if err != nil {
			select {
			case <-src.done:
			default:
				src.fail(errors.Wrap(err, "failed to accept connection"))
			}
			return
		}
		src.mu.Lock()
		if src.closed {
			src.mu.Unlock()
			_ = conn.Close()
			return
		}
		src.conns[conn] = struct{}{}
		src.mu.Unlock()
		src.wg.Add(1)
		go src.read(conn)
	}
}

func (src *TCPSource) read(conn net.Conn) {
	defer src.wg.Done()
	defer func() {
		src.mu.Lock()
		delete(src.conns, conn)
		src.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		s, err := ReadSignal(conn)
		if err == io.EOF {
			return
		}
		if err != nil {
			select {
			case <-src.done:
			default:
				src.fail(errors.WithMessagef(err, "failed to read signal from %s", conn.RemoteAddr()))
			}
			return
		}
		select {
		case src.signals <- s:
		case <-src.done:
			return
		}
	}
}

func (src *TCPSource) fail(err error) {
	select {
	case src.errs <- err:
	default:
		log.WithError(err).Warn("dropping tcp source error")
	}
}

func (src *TCPSource) Receive(ctx context.Context) (Signal, error) {
	select {
	case s := <-src.signals:
		return s, nil
	case err := <-src.errs:
		return Signal{}, err
	case <-src.done:
		return Signal{}, ErrClosed
	case <-ctx.Done():
		return Signal{}, errors.WithStack(ctx.Err())
	}
}

func (src *TCPSource) Close() error {
	src.mu.Lock()
	if src.closed {
		src.mu.Unlock()
		return nil
	}
	src.closed = true
	close(src.done)
	err := src.listener.Close()
	for conn := range src.conns {
		_ = conn.Close()
	}
	src.mu.Unlock()
	src.wg.Wait()
	return errors.WithStack(err)
}

// TCPSink streams records to a TCPSource over a single connection.
type TCPSink struct {
	conn net.Conn
	mu   sync.Mutex
}

// DialTCP connects to address, retrying while the coordinator is not yet listening.
func DialTCP(ctx context.Context, address string, attempts uint, delay time.Duration) (*TCPSink, error) {
	var conn net.Conn
	dialer := &net.Dialer{}
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var err error
			conn, err = dialer.DialContext(ctx, "tcp", address)
			return err
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to coordinator at %s", address)
	}
	return &TCPSink{conn: conn}, nil
}

func (sink *TCPSink) Send(ctx context.Context, s Signal) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := sink.conn.SetWriteDeadline(deadline); err != nil {
			return errors.WithStack(err)
		}
		defer sink.conn.SetWriteDeadline(time.Time{})
	}
	return WriteSignal(sink.conn, s)
}

func (sink *TCPSink) Close() error {
	return errors.WithStack(sink.conn.Close())
}
