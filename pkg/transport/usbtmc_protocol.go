package transport

import (
	"encoding/binary"
	"fmt"
)

// USBTMC bulk message IDs
const (
	MsgDevDepMsgOut        = 0x01
	MsgRequestDevDepMsgIn  = 0x02
	MsgDevDepMsgIn         = 0x02
	MsgVendorSpecificOut   = 0x7E
	MsgRequestVendorSpecIn = 0x7F
)

// Bulk header layout
const (
	HeaderSize = 12

	// bmTransferAttributes bits
	AttrEOM             = 0x01 // last transfer of a message
	AttrTermCharEnabled = 0x02 // REQUEST_DEV_DEP_MSG_IN only
)

// USBTMC class codes used to find the instrument interface.
const (
	ClassApplication = 0xFE
	SubclassUSBTMC   = 0x03
)

// USBTMCProtocol encodes and decodes USBTMC bulk transfers. It owns the bTag
// sequence; tags cycle through 1..255 and never take the value zero.
type USBTMCProtocol struct {
	tag byte
}

// NewUSBTMCProtocol creates a protocol handler with a fresh tag sequence.
func NewUSBTMCProtocol() *USBTMCProtocol {
	return &USBTMCProtocol{}
}

// NextTag advances and returns the transfer tag.
func (p *USBTMCProtocol) NextTag() byte {
	p.tag++
	if p.tag == 0 {
		p.tag = 1
	}
	return p.tag
}

func header(msgID, tag byte, size uint32, attr byte, termChar byte) []byte {
	h := make([]byte, HeaderSize)
	h[0] = msgID
	h[1] = tag
	h[2] = ^tag
	h[3] = 0x00
	binary.LittleEndian.PutUint32(h[4:8], size)
	h[8] = attr
	h[9] = termChar
	return h
}

// EncodeDevDepMsgOut builds a DEV_DEP_MSG_OUT transfer carrying payload as a
// complete message. The result is padded to a 4-byte boundary.
func (p *USBTMCProtocol) EncodeDevDepMsgOut(tag byte, payload []byte) []byte {
	msg := header(MsgDevDepMsgOut, tag, uint32(len(payload)), AttrEOM, 0)
	msg = append(msg, payload...)
	for len(msg)%4 != 0 {
		msg = append(msg, 0x00)
	}
	return msg
}

// EncodeRequestDevDepMsgIn asks the device to send up to maxSize bytes.
// termChar of zero disables termination-character handling.
func (p *USBTMCProtocol) EncodeRequestDevDepMsgIn(tag byte, maxSize uint32, termChar byte) []byte {
	var attr byte
	if termChar != 0 {
		attr = AttrTermCharEnabled
	}
	return header(MsgRequestDevDepMsgIn, tag, maxSize, attr, termChar)
}

// DecodeDevDepMsgIn validates a DEV_DEP_MSG_IN transfer against the tag of the
// request that produced it and returns the payload and the EOM flag.
func (p *USBTMCProtocol) DecodeDevDepMsgIn(tag byte, packet []byte) ([]byte, bool, error) {
	if len(packet) < HeaderSize {
		return nil, false, fmt.Errorf("response too short: %d bytes", len(packet))
	}
	if packet[0] != MsgDevDepMsgIn {
		return nil, false, fmt.Errorf("invalid message ID: 0x%02X", packet[0])
	}
	if packet[1] != tag || packet[2] != ^tag {
		return nil, false, fmt.Errorf("tag mismatch: got 0x%02X, want 0x%02X", packet[1], tag)
	}

	size := binary.LittleEndian.Uint32(packet[4:8])
	if int(size) > len(packet)-HeaderSize {
		return nil, false, fmt.Errorf("incomplete payload: header says %d, have %d", size, len(packet)-HeaderSize)
	}

	eom := packet[8]&AttrEOM != 0
	return packet[HeaderSize : HeaderSize+int(size)], eom, nil
}
