package msgr

import (
	"context"
	"net"
	"sync"

	"github.com/danmuck/edgemsgr/internal/protocol"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
)

// Dispatcher receives messages and session events. Callbacks run on the
// connection's reader goroutine or after a fault, never under a connection
// lock, so they may call back into the messenger.
type Dispatcher interface {
	Deliver(d *Delivery)
	// HandleConnect fires when an outgoing session becomes ready.
	HandleConnect(c *Connection)
	// HandleAccept fires when an incoming session becomes ready.
	HandleAccept(c *Connection)
	// HandleReset fires when a connection is torn down by a fault.
	HandleReset(c *Connection)
	// HandleRemoteReset fires when the session state was discarded because
	// one side restarted.
	HandleRemoteReset(c *Connection)
}

// Dialer opens transports to peers.
type Dialer interface {
	Dial(ctx context.Context, addr protocol.EntityAddr) (net.Conn, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context, addr protocol.EntityAddr) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr protocol.EntityAddr) (net.Conn, error) {
	return f(ctx, addr)
}

// Delivery is one received message. The receiver must call Release once it
// is done with the payload; until then the message counts against the
// receive throttles.
type Delivery struct {
	*frame.Message
	Conn *Connection

	release func()
	once    sync.Once
}

func (d *Delivery) Release() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		if d.release != nil {
			d.release()
		}
	})
}

// NopDispatcher releases every delivery and ignores session events.
type NopDispatcher struct{}

func (NopDispatcher) Deliver(d *Delivery)           { d.Release() }
func (NopDispatcher) HandleConnect(*Connection)     {}
func (NopDispatcher) HandleAccept(*Connection)      {}
func (NopDispatcher) HandleReset(*Connection)       {}
func (NopDispatcher) HandleRemoteReset(*Connection) {}
