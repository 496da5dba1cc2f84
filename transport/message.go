package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ChannelID identifies one logical channel of a message queue family.
type ChannelID uint16

// MsgType tags a message's payload.
type MsgType uint16

const (
	// ChannelControl is the pseudo-channel carrying connection lifecycle
	// messages. It exists only on the family's root queue.
	ChannelControl ChannelID = 0xFFFF

	// TypeError is reserved for non-user-defined error messages.
	TypeError MsgType = 0xFFFF

	// typeKeepalive messages are exchanged by the transport itself and never
	// surface to a consumer.
	typeKeepalive MsgType = 0xFFFE
)

// Control channel message types.
const (
	// CtlNewConnection reports a new inbound connection. Its body holds the
	// new channel's ID followed by the remote address, if known.
	CtlNewConnection MsgType = 0

	// CtlChannelDied reports that a channel became unusable. Its body holds
	// the channel's ID.
	CtlChannelDied MsgType = 1
)

// headerLen is the number of bytes of network overhead per message:
// channel, type and body length, each two bytes big-endian.
const headerLen = 6

// maxBodyLen is the largest payload a single message can carry.
const maxBodyLen = 0xFFFF

// Message is a single typed message of a channel.
type Message struct {
	channel ChannelID
	mtype   MsgType
	body    []byte
}

// NewMessage creates a Message for the given channel, type and body. The body
// is used as is, not copied.
func NewMessage(channel ChannelID, mtype MsgType, body []byte) *Message {
	return &Message{channel: channel, mtype: mtype, body: body}
}

// Channel this message was received on resp. is addressed to.
func (m *Message) Channel() ChannelID {
	return m.channel
}

// Type of this message.
func (m *Message) Type() MsgType {
	return m.mtype
}

// Length of this message's body.
func (m *Message) Length() int {
	return len(m.body)
}

// Body of this message.
func (m *Message) Body() []byte {
	return m.body
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(channel=%d, type=%d, len=%d)", m.channel, m.mtype, len(m.body))
}

// ControlChannel extracts the channel ID a control message refers to.
func (m *Message) ControlChannel() ChannelID {
	if len(m.body) < 2 {
		return ChannelControl
	}
	return ChannelID(binary.BigEndian.Uint16(m.body))
}

// ControlAddr extracts the remote address from a CtlNewConnection message.
// The empty string is returned when the address is not known.
func (m *Message) ControlAddr() string {
	if len(m.body) <= 2 {
		return ""
	}
	return string(m.body[2:])
}

// newControlMessage builds a control message referring to a channel.
func newControlMessage(mtype MsgType, channel ChannelID, addr string) *Message {
	body := make([]byte, 2, 2+len(addr))
	binary.BigEndian.PutUint16(body, uint16(channel))
	body = append(body, addr...)

	return NewMessage(ChannelControl, mtype, body)
}

// marshal serializes this Message into its wire form.
func (m *Message) marshal() ([]byte, error) {
	if len(m.body) > maxBodyLen {
		return nil, fmt.Errorf("message body of %d bytes exceeds the limit of %d", len(m.body), maxBodyLen)
	}

	var buf bytes.Buffer
	buf.Grow(headerLen + len(m.body))

	for _, field := range []uint16{uint16(m.channel), uint16(m.mtype), uint16(len(m.body))} {
		if err := binary.Write(&buf, binary.BigEndian, field); err != nil {
			return nil, err
		}
	}
	buf.Write(m.body)

	return buf.Bytes(), nil
}

// readMessage parses the next Message from a stream.
func readMessage(r io.Reader) (*Message, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	msg := &Message{
		channel: ChannelID(binary.BigEndian.Uint16(header[0:2])),
		mtype:   MsgType(binary.BigEndian.Uint16(header[2:4])),
	}

	if length := binary.BigEndian.Uint16(header[4:6]); length > 0 {
		msg.body = make([]byte, length)
		if _, err := io.ReadFull(r, msg.body); err != nil {
			return nil, err
		}
	}

	return msg, nil
}
