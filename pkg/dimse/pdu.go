package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Upper-layer PDU types (PS 3.8).
const (
	PDUAssociateRQ byte = 0x01
	PDUAssociateAC byte = 0x02
	PDUAssociateRJ byte = 0x03
	PDUPDataTF     byte = 0x04
	PDUReleaseRQ   byte = 0x05
	PDUReleaseRP   byte = 0x06
	PDUAbort       byte = 0x07
)

// Presentation context negotiation results.
const (
	ContextAccepted             byte = 0x00
	ContextRejectAbstractSyntax byte = 0x03
	ContextRejectTransferSyntax byte = 0x04
)

const (
	defaultMaxPDULength = 16384

	implementationClassUID     = "1.2.826.0.1.3680043.9.7433.2.1"
	implementationVersionName  = "DOPAMINE_GO_1"
)

// PDU is one protocol data unit.
type PDU struct {
	Type byte
	Data []byte
}

// ReadPDU reads one complete PDU.
func ReadPDU(r io.Reader) (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("dimse: short PDU body: %w", err)
	}
	return &PDU{Type: header[0], Data: data}, nil
}

// WritePDU frames and writes one PDU.
func WritePDU(w io.Writer, pduType byte, data []byte) error {
	header := []byte{pduType, 0x00, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteRelease sends A-RELEASE-RQ or A-RELEASE-RP.
func WriteRelease(w io.Writer, pduType byte) error {
	return WritePDU(w, pduType, []byte{0x00, 0x00, 0x00, 0x00})
}

// WriteAbort sends A-ABORT.
func WriteAbort(w io.Writer) error {
	return WritePDU(w, PDUAbort, []byte{0x00, 0x00, 0x00, 0x00})
}

// ProposedContext is one presentation context of an A-ASSOCIATE-RQ.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AcceptedContext is one negotiated presentation context of an
// A-ASSOCIATE-AC.
type AcceptedContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// AssociateRQ is a parsed or to-be-encoded A-ASSOCIATE-RQ.
type AssociateRQ struct {
	CalledAETitle  string
	CallingAETitle string
	MaxPDULength   uint32
	Contexts       []ProposedContext
}

// Encode builds the A-ASSOCIATE-RQ PDU body.
func (rq *AssociateRQ) Encode() []byte {
	body := make([]byte, 68)
	binary.BigEndian.PutUint16(body[0:2], 0x0001)
	copy(body[4:20], padAETitle(rq.CalledAETitle))
	copy(body[20:36], padAETitle(rq.CallingAETitle))

	body = append(body, encodeUIDItem(0x10, ApplicationContextUID)...)
	for _, ctx := range rq.Contexts {
		var sub []byte
		sub = append(sub, ctx.ID, 0x00, 0x00, 0x00)
		sub = append(sub, encodeUIDItem(0x30, ctx.AbstractSyntax)...)
		for _, ts := range ctx.TransferSyntaxes {
			sub = append(sub, encodeUIDItem(0x40, ts)...)
		}
		body = append(body, encodeItem(0x20, sub)...)
	}
	body = append(body, encodeUserInformation(rq.MaxPDULength)...)
	return body
}

// ParseAssociateRQ decodes an A-ASSOCIATE-RQ PDU body.
func ParseAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("dimse: associate request too short: %d bytes", len(data))
	}
	rq := &AssociateRQ{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
		MaxPDULength:   defaultMaxPDULength,
	}
	err := walkItems(data[68:], func(itemType byte, item []byte) error {
		switch itemType {
		case 0x20:
			ctx, err := parseProposedContext(item)
			if err != nil {
				return err
			}
			rq.Contexts = append(rq.Contexts, *ctx)
		case 0x50:
			if max := parseMaxPDULength(item); max > 0 {
				rq.MaxPDULength = max
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rq, nil
}

// AssociateAC is a parsed or to-be-encoded A-ASSOCIATE-AC.
type AssociateAC struct {
	CalledAETitle  string
	CallingAETitle string
	MaxPDULength   uint32
	Contexts       []AcceptedContext
}

// Encode builds the A-ASSOCIATE-AC PDU body. Rejected contexts are
// omitted; some peers abort on AC PDUs that echo them back.
func (ac *AssociateAC) Encode() []byte {
	body := make([]byte, 68)
	binary.BigEndian.PutUint16(body[0:2], 0x0001)
	copy(body[4:20], padAETitle(ac.CalledAETitle))
	copy(body[20:36], padAETitle(ac.CallingAETitle))

	body = append(body, encodeUIDItem(0x10, ApplicationContextUID)...)
	for _, ctx := range ac.Contexts {
		if ctx.Result != ContextAccepted {
			continue
		}
		var sub []byte
		sub = append(sub, ctx.ID, ctx.Result, 0x00, 0x00)
		sub = append(sub, encodeUIDItem(0x40, ctx.TransferSyntax)...)
		body = append(body, encodeItem(0x21, sub)...)
	}
	body = append(body, encodeUserInformation(ac.MaxPDULength)...)
	return body
}

// ParseAssociateAC decodes an A-ASSOCIATE-AC PDU body.
func ParseAssociateAC(data []byte) (*AssociateAC, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("dimse: associate accept too short: %d bytes", len(data))
	}
	ac := &AssociateAC{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
		MaxPDULength:   defaultMaxPDULength,
	}
	err := walkItems(data[68:], func(itemType byte, item []byte) error {
		switch itemType {
		case 0x21:
			if len(item) < 4 {
				return fmt.Errorf("dimse: accepted context too short")
			}
			ctx := AcceptedContext{ID: item[0], Result: item[1]}
			_ = walkItems(item[4:], func(subType byte, sub []byte) error {
				if subType == 0x40 {
					ctx.TransferSyntax = trimUID(sub)
				}
				return nil
			})
			ac.Contexts = append(ac.Contexts, ctx)
		case 0x50:
			if max := parseMaxPDULength(item); max > 0 {
				ac.MaxPDULength = max
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// PDV message-control-header flags.
const (
	pdvCommand      byte = 0x01
	pdvLastFragment byte = 0x02
)

// PDV is one presentation data value of a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	IsCommand bool
	IsLast    bool
	Data      []byte
}

// ParsePData splits a P-DATA-TF body into its PDVs.
func ParsePData(data []byte) ([]PDV, error) {
	var out []PDV
	offset := 0
	for offset+4 <= len(data) {
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(length)
		if length < 2 || valueEnd > len(data) {
			return nil, fmt.Errorf("dimse: malformed PDV at offset %d", offset)
		}
		header := data[valueStart+1]
		out = append(out, PDV{
			ContextID: data[valueStart],
			IsCommand: header&pdvCommand != 0,
			IsLast:    header&pdvLastFragment != 0,
			Data:      data[valueStart+2 : valueEnd],
		})
		offset = valueEnd
	}
	return out, nil
}

// WriteMessage sends one DIMSE message: the command set, then the dataset
// when present, fragmented to the peer's maximum PDU length.
func WriteMessage(w io.Writer, contextID byte, maxPDULength uint32, command, dataset []byte) error {
	if err := writeFragmented(w, contextID, maxPDULength, command, true); err != nil {
		return err
	}
	if len(dataset) > 0 {
		return writeFragmented(w, contextID, maxPDULength, dataset, false)
	}
	return nil
}

func writeFragmented(w io.Writer, contextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	// Each fragment carries 6 bytes of PDV framing inside the PDU body.
	chunk := int(maxPDULength) - 6
	if chunk <= 0 {
		chunk = defaultMaxPDULength - 6
	}
	for start := 0; ; start += chunk {
		end := start + chunk
		last := end >= len(data)
		if last {
			end = len(data)
		}
		header := byte(0)
		if isCommand {
			header |= pdvCommand
		}
		if last {
			header |= pdvLastFragment
		}
		body := make([]byte, 0, 6+end-start)
		body = binary.BigEndian.AppendUint32(body, uint32(2+end-start))
		body = append(body, contextID, header)
		body = append(body, data[start:end]...)
		if err := WritePDU(w, PDUPDataTF, body); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

func encodeItem(itemType byte, value []byte) []byte {
	out := []byte{itemType, 0x00, 0, 0}
	binary.BigEndian.PutUint16(out[2:4], uint16(len(value)))
	return append(out, value...)
}

func encodeUIDItem(itemType byte, uid string) []byte {
	return encodeItem(itemType, []byte(uid))
}

func encodeUserInformation(maxPDULength uint32) []byte {
	if maxPDULength == 0 {
		maxPDULength = defaultMaxPDULength
	}
	maxLength := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLength, maxPDULength)
	sub := encodeItem(0x51, maxLength)
	sub = append(sub, encodeUIDItem(0x52, implementationClassUID)...)
	sub = append(sub, encodeUIDItem(0x55, implementationVersionName)...)
	return encodeItem(0x50, sub)
}

func walkItems(data []byte, fn func(itemType byte, item []byte) error) error {
	offset := 0
	for offset+4 <= len(data) {
		itemType := data[offset]
		length := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return fmt.Errorf("dimse: item 0x%02x exceeds PDU length", itemType)
		}
		if err := fn(itemType, data[valueStart:valueEnd]); err != nil {
			return err
		}
		offset = valueEnd
	}
	return nil
}

func parseProposedContext(item []byte) (*ProposedContext, error) {
	if len(item) < 4 {
		return nil, fmt.Errorf("dimse: presentation context too short")
	}
	ctx := &ProposedContext{ID: item[0]}
	err := walkItems(item[4:], func(subType byte, sub []byte) error {
		switch subType {
		case 0x30:
			ctx.AbstractSyntax = trimUID(sub)
		case 0x40:
			ctx.TransferSyntaxes = append(ctx.TransferSyntaxes, trimUID(sub))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ctx.AbstractSyntax == "" {
		return nil, fmt.Errorf("dimse: presentation context %d has no abstract syntax", ctx.ID)
	}
	return ctx, nil
}

func parseMaxPDULength(item []byte) uint32 {
	var max uint32
	_ = walkItems(item, func(subType byte, sub []byte) error {
		if subType == 0x51 && len(sub) == 4 {
			max = binary.BigEndian.Uint32(sub)
		}
		return nil
	})
	return max
}

func padAETitle(ae string) []byte {
	out := []byte(strings.Repeat(" ", 16))
	copy(out, ae)
	return out[:16]
}

func trimAETitle(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}
