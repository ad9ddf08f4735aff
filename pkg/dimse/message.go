// Package dimse implements the DIMSE message layer shared by the SCP
// services and the outbound SCU client: command-set encoding, PDU framing
// and association handling.
package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Command field values (PS 3.7 E.1).
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCGetRQ    uint16 = 0x0010
	CommandCGetRSP   uint16 = 0x8010
	CommandCFindRQ   uint16 = 0x0020
	CommandCFindRSP  uint16 = 0x8020
	CommandCMoveRQ   uint16 = 0x0021
	CommandCMoveRSP  uint16 = 0x8021
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
	CommandCCancelRQ uint16 = 0x0FFF
)

// CommandDataSetType values: anything but NoDataSet announces a dataset
// following the command set.
const (
	NoDataSet  uint16 = 0x0101
	HasDataSet uint16 = 0x0000
)

// SubOperations carries the C-GET/C-MOVE sub-operation counters.
type SubOperations struct {
	Remaining uint16
	Completed uint16
	Failed    uint16
	Warning   uint16
}

// Message is one parsed DIMSE command set.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	MoveDestination           string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	// ErrorComment is free text sent with failure statuses.
	ErrorComment string
	// SubOps is present on C-GET/C-MOVE responses only.
	SubOps *SubOperations
}

// HasDataset reports whether a dataset follows this command set.
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != NoDataSet
}

// IsResponse reports whether the command field is a response.
func (m *Message) IsResponse() bool {
	return m.CommandField&0x8000 != 0
}

// ResponseTo builds the response skeleton for a request: command field,
// SOP class and message-id echo.
func (m *Message) ResponseTo(status uint16) *Message {
	return &Message{
		CommandField:              m.CommandField | 0x8000,
		MessageIDBeingRespondedTo: m.MessageID,
		AffectedSOPClassUID:       m.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    m.AffectedSOPInstanceUID,
		CommandDataSetType:        NoDataSet,
		Status:                    status,
	}
}

// EncodeCommand serializes the command set as implicit VR little endian,
// group length first as PS 3.7 requires.
func EncodeCommand(m *Message) []byte {
	var body []byte
	if m.AffectedSOPClassUID != "" {
		body = appendUIDElement(body, 0x0002, m.AffectedSOPClassUID)
	}
	body = appendUSElement(body, 0x0100, m.CommandField)
	if m.MessageID != 0 || !m.IsResponse() {
		body = appendUSElement(body, 0x0110, m.MessageID)
	}
	if m.IsResponse() {
		body = appendUSElement(body, 0x0120, m.MessageIDBeingRespondedTo)
	}
	if m.MoveDestination != "" {
		body = appendPaddedElement(body, 0x0600, m.MoveDestination, ' ')
	}
	if m.CommandField == CommandCStoreRQ || m.CommandField == CommandCFindRQ ||
		m.CommandField == CommandCGetRQ || m.CommandField == CommandCMoveRQ {
		body = appendUSElement(body, 0x0700, m.Priority)
	}
	body = appendUSElement(body, 0x0800, m.CommandDataSetType)
	if m.IsResponse() {
		body = appendUSElement(body, 0x0900, m.Status)
	}
	if m.AffectedSOPInstanceUID != "" {
		body = appendUIDElement(body, 0x1000, m.AffectedSOPInstanceUID)
	}
	if m.ErrorComment != "" {
		body = appendPaddedElement(body, 0x0902, m.ErrorComment, ' ')
	}
	if m.SubOps != nil {
		body = appendUSElement(body, 0x1020, m.SubOps.Remaining)
		body = appendUSElement(body, 0x1021, m.SubOps.Completed)
		body = appendUSElement(body, 0x1022, m.SubOps.Failed)
		body = appendUSElement(body, 0x1023, m.SubOps.Warning)
	}

	out := make([]byte, 0, 12+len(body))
	out = append(out, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// ParseCommand decodes an implicit-VR-LE command set. Unknown command
// elements are skipped.
func ParseCommand(data []byte) (*Message, error) {
	msg := &Message{CommandDataSetType: NoDataSet}
	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueStart := offset + 8
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("dimse: element (%04x,%04x) exceeds command length", group, element)
		}
		value := data[valueStart:valueEnd]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				msg.AffectedSOPClassUID = trimUID(value)
			case 0x0100:
				msg.CommandField = readUS(value)
			case 0x0110:
				msg.MessageID = readUS(value)
			case 0x0120:
				msg.MessageIDBeingRespondedTo = readUS(value)
			case 0x0600:
				msg.MoveDestination = trimUID(value)
			case 0x0700:
				msg.Priority = readUS(value)
			case 0x0800:
				msg.CommandDataSetType = readUS(value)
			case 0x0900:
				msg.Status = readUS(value)
			case 0x0902:
				msg.ErrorComment = strings.TrimRight(string(value), " ")
			case 0x1000:
				msg.AffectedSOPInstanceUID = trimUID(value)
			case 0x1020, 0x1021, 0x1022, 0x1023:
				if msg.SubOps == nil {
					msg.SubOps = &SubOperations{}
				}
				switch element {
				case 0x1020:
					msg.SubOps.Remaining = readUS(value)
				case 0x1021:
					msg.SubOps.Completed = readUS(value)
				case 0x1022:
					msg.SubOps.Failed = readUS(value)
				case 0x1023:
					msg.SubOps.Warning = readUS(value)
				}
			}
		}
		offset = valueEnd
	}
	if msg.CommandField == 0 {
		return nil, fmt.Errorf("dimse: command set has no command field")
	}
	return msg, nil
}

func appendUSElement(buf []byte, element uint16, value uint16) []byte {
	buf = appendTag(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, 2)
	return binary.LittleEndian.AppendUint16(buf, value)
}

func appendUIDElement(buf []byte, element uint16, value string) []byte {
	return appendPaddedElement(buf, element, value, 0x00)
}

func appendPaddedElement(buf []byte, element uint16, value string, pad byte) []byte {
	raw := []byte(value)
	if len(raw)%2 == 1 {
		raw = append(raw, pad)
	}
	buf = appendTag(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(raw)))
	return append(buf, raw...)
}

func appendTag(buf []byte, element uint16) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, 0x0000)
	return binary.LittleEndian.AppendUint16(buf, element)
}

func readUS(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}

func trimUID(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}
