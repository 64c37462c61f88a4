package daemon

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/edgemsgr/internal/msgr"
	"github.com/danmuck/edgemsgr/internal/observability"
	"github.com/danmuck/edgemsgr/internal/protocol/frame"
	"github.com/danmuck/edgemsgr/internal/protocol/schema"
	"github.com/danmuck/edgemsgr/internal/protocol/tlv"
	"github.com/rs/zerolog"
)

const maxNotes = 64

// PeerState is what the daemon has heard from one peer.
type PeerState struct {
	Name          string        `json:"name"`
	Addr          string        `json:"addr,omitempty"`
	Epoch         uint64        `json:"epoch"`
	HeartbeatsIn  uint64        `json:"heartbeats_in"`
	RepliesIn     uint64        `json:"replies_in"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	LastReply     time.Time     `json:"last_reply"`
	RoundTrip     time.Duration `json:"round_trip_ns"`
	Resets        uint64        `json:"resets"`
}

// Note is one received MsgNote.
type Note struct {
	From     string    `json:"from"`
	Topic    string    `json:"topic"`
	Body     string    `json:"body"`
	Received time.Time `json:"received"`
}

// dispatcher validates daemon traffic against the message schemas, answers
// heartbeats and keeps per-peer state for the admin server.
type dispatcher struct {
	self   string
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	peers map[string]*PeerState
	notes []Note
}

var _ msgr.Dispatcher = (*dispatcher)(nil)

func newDispatcher(self string, logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		self:   self,
		logger: logger,
		now:    time.Now,
		peers:  make(map[string]*PeerState),
	}
}

func (d *dispatcher) peerLocked(name string) *PeerState {
	p, ok := d.peers[name]
	if !ok {
		p = &PeerState{Name: name}
		d.peers[name] = p
	}
	return p
}

func (d *dispatcher) Deliver(del *msgr.Delivery) {
	defer del.Release()

	from := del.Header.Src.String()
	msgType := del.Header.Type
	fields, err := schema.Decode(msgType, del.Front)
	if err != nil {
		d.logger.Warn().Err(err).Str("from", from).Uint16("type", msgType).Msg("daemon: dropping message")
		observability.RecordDropped(d.self, "schema")
		return
	}

	now := d.now()
	switch msgType {
	case schema.MsgHeartbeat:
		d.mu.Lock()
		p := d.peerLocked(from)
		p.Addr = del.Conn.PeerAddr().String()
		p.Epoch = schema.U64Field(fields, schema.FieldEpoch)
		p.HeartbeatsIn++
		p.LastHeartbeat = now
		d.mu.Unlock()

		reply, err := heartbeatReply(d.self, fields, now)
		if err != nil {
			d.logger.Error().Err(err).Msg("daemon: build heartbeat reply")
			return
		}
		if err := del.Conn.Send(reply, nil); err != nil {
			d.logger.Debug().Err(err).Str("to", from).Msg("daemon: heartbeat reply not queued")
		}

	case schema.MsgHeartbeatReply:
		sent := schema.U64Field(fields, schema.FieldSentUnixMS)
		d.mu.Lock()
		p := d.peerLocked(from)
		p.RepliesIn++
		p.LastReply = now
		if rtt := now.UnixMilli() - int64(sent); rtt >= 0 {
			p.RoundTrip = time.Duration(rtt) * time.Millisecond
		}
		d.mu.Unlock()

	case schema.MsgNote:
		rec := Note{
			From:     from,
			Topic:    schema.StringField(fields, schema.FieldTopic),
			Body:     schema.StringField(fields, schema.FieldBody),
			Received: now,
		}
		d.mu.Lock()
		d.notes = append(d.notes, rec)
		if len(d.notes) > maxNotes {
			d.notes = d.notes[len(d.notes)-maxNotes:]
		}
		d.mu.Unlock()
		d.logger.Info().Str("from", from).Str("topic", rec.Topic).Msg("daemon: note received")
	}
}

func (d *dispatcher) HandleConnect(c *msgr.Connection) { d.opened(c) }
func (d *dispatcher) HandleAccept(c *msgr.Connection)  { d.opened(c) }

func (d *dispatcher) opened(c *msgr.Connection) {
	d.logger.Info().
		Str("peer", c.PeerAddr().String()).
		Str("peer_type", c.PeerType().String()).
		Msg("daemon: session ready")
}

func (d *dispatcher) HandleReset(c *msgr.Connection) {
	d.logger.Info().Str("peer", c.PeerAddr().String()).Msg("daemon: connection reset")
}

func (d *dispatcher) HandleRemoteReset(c *msgr.Connection) {
	d.logger.Warn().Str("peer", c.PeerAddr().String()).Msg("daemon: peer session reset")
	d.mu.Lock()
	for _, p := range d.peers {
		if p.Addr == c.PeerAddr().String() {
			p.Resets++
		}
	}
	d.mu.Unlock()
}

// Peers returns a copy of the peer table sorted by name.
func (d *dispatcher) Peers() []PeerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PeerState, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *dispatcher) Notes() []Note {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Note(nil), d.notes...)
}

func heartbeat(self string, epoch uint64, now time.Time) (*frame.Message, error) {
	payload, err := schema.Encode(schema.MsgHeartbeat,
		tlv.String(schema.FieldNode, self),
		tlv.U64(schema.FieldEpoch, epoch),
		tlv.U64(schema.FieldSentUnixMS, uint64(now.UnixMilli())),
	)
	if err != nil {
		return nil, err
	}
	return &frame.Message{Header: frame.Header{Type: schema.MsgHeartbeat}, Front: payload}, nil
}

func heartbeatReply(self string, in []tlv.Field, now time.Time) (*frame.Message, error) {
	payload, err := schema.Encode(schema.MsgHeartbeatReply,
		tlv.String(schema.FieldNode, self),
		tlv.U64(schema.FieldEpoch, schema.U64Field(in, schema.FieldEpoch)),
		tlv.U64(schema.FieldSentUnixMS, schema.U64Field(in, schema.FieldSentUnixMS)),
		tlv.U64(schema.FieldRecvUnixMS, uint64(now.UnixMilli())),
	)
	if err != nil {
		return nil, err
	}
	return &frame.Message{Header: frame.Header{Type: schema.MsgHeartbeatReply}, Front: payload}, nil
}

func note(self, topic string, body []byte) (*frame.Message, error) {
	payload, err := schema.Encode(schema.MsgNote,
		tlv.String(schema.FieldNode, self),
		tlv.String(schema.FieldTopic, topic),
		tlv.Bytes(schema.FieldBody, body),
	)
	if err != nil {
		return nil, err
	}
	return &frame.Message{Header: frame.Header{Type: schema.MsgNote}, Front: payload}, nil
}
