package signal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const natsFlushTimeout = 5 * time.Second

// NATSSource subscribes to a subject on which workers publish records.
// Core NATS does not persist messages, so the source must be open before any worker starts.
type NATSSource struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
}

func abortSubject(subject string) string {
	return subject + ".abort"
}

func NewNATSSource(url string, subject string) (*NATSSource, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to nats at %s", url)
	}
	sub, err := conn.SubscribeSync(subject)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", subject)
	}
	// Make sure the subscription is registered with the server before returning.
	if err := conn.FlushTimeout(natsFlushTimeout); err != nil {
		conn.Close()
		return nil, errors.WithStack(err)
	}
	return &NATSSource{conn: conn, sub: sub, subject: subject}, nil
}

func (src *NATSSource) Receive(ctx context.Context) (Signal, error) {
	msg, err := src.sub.NextMsgWithContext(ctx)
	if err != nil {
		if err == nats.ErrBadSubscription || err == nats.ErrConnectionClosed {
			return Signal{}, ErrClosed
		}
		return Signal{}, errors.WithStack(err)
	}
	var s Signal
	err = s.UnmarshalBinary(msg.Data)
	return s, err
}

// Abort reaches only the workers connected at the time of the call.
func (src *NATSSource) Abort() error {
	if err := src.conn.Publish(abortSubject(src.subject), nil); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(src.conn.FlushTimeout(natsFlushTimeout))
}

// ResetAbort is a no-op: abort messages are not persisted.
func (src *NATSSource) ResetAbort() error {
	return nil
}

func (src *NATSSource) Close() error {
	err := src.sub.Unsubscribe()
	src.conn.Close()
	if err == nats.ErrConnectionClosed || err == nats.ErrBadSubscription {
		return nil
	}
	return errors.WithStack(err)
}

type NATSSink struct {
	conn    *nats.Conn
	subject string
	aborted int32
}

func NewNATSSink(url string, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to nats at %s", url)
	}
	sink := &NATSSink{conn: conn, subject: subject}
	if _, err := conn.Subscribe(abortSubject(subject), func(*nats.Msg) {
		atomic.StoreInt32(&sink.aborted, 1)
	}); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", abortSubject(subject))
	}
	if err := conn.FlushTimeout(natsFlushTimeout); err != nil {
		conn.Close()
		return nil, errors.WithStack(err)
	}
	return sink, nil
}

// Send publishes the record and waits until the server has received it.
func (sink *NATSSink) Send(ctx context.Context, s Signal) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	if err := sink.conn.Publish(sink.subject, data); err != nil {
		return errors.WithStack(err)
	}
	timeout := natsFlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return errors.WithStack(sink.conn.FlushTimeout(timeout))
}

func (sink *NATSSink) Aborted(_ context.Context) (bool, error) {
	return atomic.LoadInt32(&sink.aborted) == 1, nil
}

func (sink *NATSSink) Close() error {
	sink.conn.Close()
	return nil
}
