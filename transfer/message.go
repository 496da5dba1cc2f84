package transfer

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/movsoftware/flowrelay/transport"
)

// Protocol message types of a session between a sender and a receiver. New
// types must be appended so existing wire values stay stable across protocol
// versions.
const (
	MsgSenderVersion transport.MsgType = iota
	MsgReceiverVersion
	MsgIdent
	MsgReady
	MsgDisconnectRetry
	MsgDisconnect
	MsgNewFile
	MsgNewFileReady
	MsgFileBlock
	MsgFileComplete
	MsgDuplicateFile
	MsgRejectFile

	msgTypeCount
)

const (
	// MinProtocolVersion is the lowest protocol version this side accepts.
	MinProtocolVersion = 1

	// ProtocolVersion is the protocol version this side announces.
	ProtocolVersion = 2
)

// msgName and msgSize describe each protocol message for validation and
// logging. A size of -1 marks a variable length message.
var msgData = [msgTypeCount]struct {
	name string
	size int
}{
	{"SENDER_VERSION", 4},
	{"RECEIVER_VERSION", 4},
	{"IDENT", -1},
	{"READY", 0},
	{"DISCONNECT_RETRY", -1},
	{"DISCONNECT", -1},
	{"NEW_FILE", -1},
	{"NEW_FILE_READY", 0},
	{"FILE_BLOCK", -1},
	{"FILE_COMPLETE", 0},
	{"DUPLICATE_FILE", -1},
	{"REJECT_FILE", -1},
}

func msgName(t transport.MsgType) string {
	if t >= msgTypeCount {
		return fmt.Sprintf("<unknown 0x%04x>", uint16(t))
	}
	return msgData[t].name
}

// checkMsg verifies that msg is of the wanted type and, for fixed-size types,
// of the defined length. On a mismatch a disconnect notice describing the
// protocol error is sent to the peer.
func (s *session) checkMsg(msg *transport.Message, want transport.MsgType) bool {
	if msg.Type() != want {
		s.sendDisconnect(fmt.Sprintf("Protocol error: expected %s, got %s",
			msgName(want), msgName(msg.Type())))
		return false
	}

	if size := msgData[want].size; size != -1 && msg.Length() != size {
		s.sendDisconnect(fmt.Sprintf(
			"Protocol error: type %s, expected len %d, got %d",
			msgName(want), size, msg.Length()))
		return false
	}

	return true
}

// handleDisconnect reports whether msg is a disconnect notice from the peer,
// logging its reason if so.
func handleDisconnect(msg *transport.Message, ident string) bool {
	t := msg.Type()
	if t != MsgDisconnect && t != MsgDisconnectRetry {
		return false
	}

	log.WithFields(log.Fields{
		"peer":   ident,
		"reason": string(msg.Body()),
	}).Info("Connection disconnected")
	return true
}

// versionBody encodes a protocol version for the wire.
func versionBody(version uint32) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, version)
	return body
}
