package msgr

import "errors"

type faultAction int

const (
	faultIgnore faultAction = iota
	// faultClose stops the connection for good and fails its queue.
	faultClose
	// faultReset stops a lossy connection and reports the reset.
	faultReset
	// faultStop drops a half-accepted connection that never carried data.
	faultStop
	faultStandby
	faultReconnect
	faultBackoff
)

func (a faultAction) String() string {
	switch a {
	case faultIgnore:
		return "ignore"
	case faultClose:
		return "close"
	case faultReset:
		return "reset"
	case faultStop:
		return "stop"
	case faultStandby:
		return "standby"
	case faultReconnect:
		return "reconnect"
	case faultBackoff:
		return "backoff"
	}
	return "unknown"
}

type faultInput struct {
	State State
	// Handshaking is set while a handshake runs on an established transport.
	Handshaking bool
	Lossy       bool
	Server      bool
	Standby     bool
	OnceReady   bool
	Replacing   bool
	// QueueEmpty covers both the queue and the unacked list, i.e. the queue
	// as it will be after unacked messages are requeued.
	QueueEmpty bool
	Permanent  bool
}

type faultDecision struct {
	Action faultAction
	// Requeue moves unacked messages back to the queue.
	Requeue      bool
	ResetBackoff bool
	// PinBackoff jumps straight to the maximum delay.
	PinBackoff bool
}

func decideFault(in faultInput) faultDecision {
	if in.State == StateClosed || in.State == StateNone {
		return faultDecision{Action: faultIgnore}
	}
	if in.Permanent {
		return faultDecision{Action: faultClose}
	}
	if in.Lossy && !in.Handshaking {
		return faultDecision{Action: faultReset}
	}
	if !in.OnceReady && in.QueueEmpty && in.Handshaking && !in.Replacing {
		return faultDecision{Action: faultStop, Requeue: true}
	}
	if in.Standby && in.QueueEmpty && in.State != StateWait {
		return faultDecision{Action: faultStandby, Requeue: true}
	}
	if in.State != StateConnecting && in.State != StateWait {
		if in.Server {
			return faultDecision{Action: faultStandby, Requeue: true, ResetBackoff: true}
		}
		return faultDecision{Action: faultReconnect, Requeue: true, ResetBackoff: true}
	}
	return faultDecision{Action: faultBackoff, Requeue: true, PinBackoff: in.State == StateWait}
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
