package api

import "strconv"

// SessionPhase is the tagged variant of a session's lifecycle, per §3.
type SessionPhase int

const (
	// SessionUninitiated means no InitiateSessionMessage has been sent yet.
	SessionUninitiated SessionPhase = iota
	// SessionInitiating means an InitiateSessionMessage has been queued to
	// send (or has been sent) but the peer's acceptance has not yet arrived.
	SessionInitiating
	// SessionInitiated means the peer has confirmed; PeerSessionId is valid
	// and ordinary Data messages may flow.
	SessionInitiated
	// SessionClosed means CloseSessions has been actioned for this session.
	SessionClosed
)

func (p SessionPhase) String() string {
	switch p {
	case SessionUninitiated:
		return "Uninitiated"
	case SessionInitiating:
		return "Initiating"
	case SessionInitiated:
		return "Initiated"
	case SessionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SessionState is the persisted state of one session, per §3.
//
// Invariant: a session leaves SessionUninitiated only by sending an
// InitiateSessionMessage atomically with a checkpoint write (enforced by
// the Transition Function, not by this type).
type SessionState struct {
	SessionId SessionId
	Peer      Peer
	Phase     SessionPhase

	// Initiating payload + dedup seed, set while Phase == SessionInitiating.
	InitiatingPayload      []byte
	DeduplicationSeed      string
	InitiatingMessageIndex uint64

	// Set once the peer confirms, Phase >= SessionInitiated.
	PeerSessionId    SessionId
	HasSeenEndOfSess bool

	// ReceiveBuffer holds messages delivered by DeliverSessionMessage that
	// have not yet been consumed by a Receive/SendAndReceive. FIFO per
	// session, per the ordering guarantee in §5.
	ReceiveBuffer [][]byte

	// NextSendSeq is the next outgoing message sequence number for this
	// session, used to build deduplication ids (§4.2).
	NextSendSeq uint64
}

// MessageKind is the tagged variant of a session message envelope, per §6.
type MessageKind string

const (
	MessageData    MessageKind = "Data"
	MessageInit    MessageKind = "Init"
	MessageEnd     MessageKind = "End"
	MessageReject  MessageKind = "Reject"
	MessageConfirm MessageKind = "Confirm"
)

// SessionEnvelope is the wire-level session message, per §6.
type SessionEnvelope struct {
	SessionId       SessionId
	PeerSessionId   SessionId
	SequenceNumber  uint64
	DeduplicationId string
	Kind            MessageKind
	Payload         []byte
}

// DeduplicationId builds a stable tag for an outbound message, per §4.2:
// (senderUUID, deduplicationSeed, messageSequence). senderUUID is the
// empty string when the flow is being resumed from a checkpoint on a
// fresh process, signalling to downstream de-duplicators that the message
// may be a replay of one already applied.
func DeduplicationId(senderUUID, seed string, seq uint64) string {
	return senderUUID + ":" + seed + ":" + strconv.FormatUint(seq, 10)
}
