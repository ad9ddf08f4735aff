package dimse

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/pkg/dicom"
)

// Association is an SCU-side DICOM association. It is used to verify
// peers with C-ECHO and to push instances with C-STORE during retrieve
// sub-operations.
type Association struct {
	conn         net.Conn
	callingAET   string
	calledAET    string
	host         string
	port         int
	timeout      time.Duration
	maxPDULength uint32

	abstractSyntaxes []string

	mu          sync.Mutex
	isConnected bool
	lastUsed    time.Time
	messageID   uint16
	contexts    map[string]acceptedSyntax
}

type acceptedSyntax struct {
	contextID      byte
	transferSyntax string
}

// AssociationConfig holds configuration for outbound associations.
type AssociationConfig struct {
	Host         string
	Port         int
	CallingAET   string
	CalledAET    string
	Timeout      time.Duration
	MaxPDULength uint32

	// SOPClasses lists the SOP classes, storage or query/retrieve, to
	// negotiate in addition to Verification.
	SOPClasses []string
}

// NewAssociation creates an unconnected association.
func NewAssociation(config AssociationConfig) *Association {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = defaultMaxPDULength
	}

	a := &Association{
		callingAET:   config.CallingAET,
		calledAET:    config.CalledAET,
		host:         config.Host,
		port:         config.Port,
		timeout:      config.Timeout,
		maxPDULength: config.MaxPDULength,
		contexts:     map[string]acceptedSyntax{},
	}
	a.abstractSyntaxes = append([]string{VerificationSOPClass}, config.SOPClasses...)
	return a
}

// Connect dials the peer and negotiates the association.
func (a *Association) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isConnected {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	dialer := &net.Dialer{Timeout: a.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	a.conn = conn

	rq := &AssociateRQ{
		CalledAETitle:  a.calledAET,
		CallingAETitle: a.callingAET,
		MaxPDULength:   a.maxPDULength,
	}
	proposed := map[byte]string{}
	id := byte(1)
	for _, abstract := range a.abstractSyntaxes {
		rq.Contexts = append(rq.Contexts, ProposedContext{
			ID:             id,
			AbstractSyntax: abstract,
			TransferSyntaxes: []string{
				dicom.ExplicitVRLittleEndian,
				dicom.ImplicitVRLittleEndian,
			},
		})
		proposed[id] = abstract
		id += 2
	}

	if err := a.deadline(); err != nil {
		conn.Close()
		return err
	}
	if err := WritePDU(conn, PDUAssociateRQ, rq.Encode()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send associate request: %w", err)
	}

	pdu, err := ReadPDU(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to read associate response: %w", err)
	}
	switch pdu.Type {
	case PDUAssociateAC:
	case PDUAssociateRJ:
		conn.Close()
		return fmt.Errorf("association rejected by %s", a.calledAET)
	default:
		conn.Close()
		return fmt.Errorf("unexpected PDU type 0x%02x during negotiation", pdu.Type)
	}

	ac, err := ParseAssociateAC(pdu.Data)
	if err != nil {
		conn.Close()
		return err
	}
	a.contexts = map[string]acceptedSyntax{}
	for _, accepted := range ac.Contexts {
		if accepted.Result != ContextAccepted {
			continue
		}
		abstract, ok := proposed[accepted.ID]
		if !ok {
			continue
		}
		a.contexts[abstract] = acceptedSyntax{
			contextID:      accepted.ID,
			transferSyntax: accepted.TransferSyntax,
		}
	}
	if len(a.contexts) == 0 {
		conn.Close()
		return fmt.Errorf("peer %s accepted no presentation context", a.calledAET)
	}
	a.maxPDULength = ac.MaxPDULength

	a.isConnected = true
	a.lastUsed = time.Now()
	log.Debug().
		Str("peer", a.calledAET).
		Str("addr", addr).
		Int("contexts", len(a.contexts)).
		Msg("Association established")
	return nil
}

// Echo performs a C-ECHO round trip.
func (a *Association) Echo(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	syntax, ok := a.contexts[VerificationSOPClass]
	if !ok {
		return fmt.Errorf("verification SOP class not negotiated with %s", a.calledAET)
	}
	request := &Message{
		CommandField:        CommandCEchoRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: VerificationSOPClass,
		CommandDataSetType:  NoDataSet,
	}
	response, _, err := a.roundTrip(syntax, request, nil)
	if err != nil {
		return err
	}
	if response.Status != StatusSuccess {
		return fmt.Errorf("echo failed with status 0x%04x", response.Status)
	}
	a.lastUsed = time.Now()
	return nil
}

// Store pushes one dataset with C-STORE.
func (a *Association) Store(ctx context.Context, ds *dicom.DataSet) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sopClassUID := ds.GetString(dicom.TagSOPClassUID)
	sopInstanceUID := ds.GetString(dicom.TagSOPInstanceUID)
	if sopClassUID == "" || sopInstanceUID == "" {
		return fmt.Errorf("dataset is missing SOP class or instance UID")
	}
	syntax, ok := a.contexts[sopClassUID]
	if !ok {
		return fmt.Errorf("SOP class %s not negotiated with %s", sopClassUID, a.calledAET)
	}

	payload, err := dicom.EncodeDataSet(ds, syntax.transferSyntax)
	if err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	request := &Message{
		CommandField:           CommandCStoreRQ,
		MessageID:              a.nextMessageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		Priority:               priorityMedium,
		CommandDataSetType:     HasDataSet,
	}
	response, _, err := a.roundTrip(syntax, request, payload)
	if err != nil {
		return err
	}
	if response.Status != StatusSuccess {
		return fmt.Errorf("store of %s failed with status 0x%04x", sopInstanceUID, response.Status)
	}
	a.lastUsed = time.Now()
	return nil
}

// Find runs a C-FIND against the peer and returns the matched
// identifiers.
func (a *Association) Find(ctx context.Context, sopClassUID string, identifier *dicom.DataSet) ([]*dicom.DataSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	syntax, ok := a.contexts[sopClassUID]
	if !ok {
		return nil, fmt.Errorf("SOP class %s not negotiated with %s", sopClassUID, a.calledAET)
	}
	payload, err := dicom.EncodeDataSet(identifier, syntax.transferSyntax)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identifier: %w", err)
	}
	request := &Message{
		CommandField:        CommandCFindRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClassUID: sopClassUID,
		Priority:            priorityMedium,
		CommandDataSetType:  HasDataSet,
	}
	if err := a.deadline(); err != nil {
		return nil, err
	}
	if err := WriteMessage(a.conn, syntax.contextID, a.maxPDULength, EncodeCommand(request), payload); err != nil {
		return nil, fmt.Errorf("failed to send find request: %w", err)
	}

	var results []*dicom.DataSet
	for {
		response, data, err := a.readMessage()
		if err != nil {
			return nil, err
		}
		if IsPending(response.Status) {
			if len(data) > 0 {
				ds, err := dicom.ParseDataSet(data, syntax.transferSyntax)
				if err != nil {
					return nil, fmt.Errorf("failed to parse match: %w", err)
				}
				results = append(results, ds)
			}
			continue
		}
		if response.Status != StatusSuccess {
			return results, fmt.Errorf("find failed with status 0x%04x", response.Status)
		}
		a.lastUsed = time.Now()
		return results, nil
	}
}

const priorityMedium = 0x0000

// roundTrip writes one request and reads one response. mu must be held.
func (a *Association) roundTrip(syntax acceptedSyntax, request *Message, dataset []byte) (*Message, []byte, error) {
	if !a.isConnected {
		return nil, nil, fmt.Errorf("association is not connected")
	}
	command := EncodeCommand(request)
	if err := a.deadline(); err != nil {
		return nil, nil, err
	}
	if err := WriteMessage(a.conn, syntax.contextID, a.maxPDULength, command, dataset); err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}
	return a.readMessage()
}

// readMessage assembles PDVs until a full command set, and dataset when
// announced, have arrived.
func (a *Association) readMessage() (*Message, []byte, error) {
	var commandBytes, datasetBytes []byte
	var response *Message
	for {
		pdu, err := ReadPDU(a.conn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read response: %w", err)
		}
		switch pdu.Type {
		case PDUPDataTF:
		case PDUAbort:
			a.isConnected = false
			return nil, nil, fmt.Errorf("association aborted by peer")
		default:
			return nil, nil, fmt.Errorf("unexpected PDU type 0x%02x", pdu.Type)
		}
		pdvs, err := ParsePData(pdu.Data)
		if err != nil {
			return nil, nil, err
		}
		for _, pdv := range pdvs {
			if pdv.IsCommand {
				commandBytes = append(commandBytes, pdv.Data...)
				if !pdv.IsLast {
					continue
				}
				response, err = ParseCommand(commandBytes)
				if err != nil {
					return nil, nil, err
				}
				if !response.HasDataset() {
					return response, nil, nil
				}
			} else {
				datasetBytes = append(datasetBytes, pdv.Data...)
				if pdv.IsLast && response != nil {
					return response, datasetBytes, nil
				}
			}
		}
	}
}

func (a *Association) nextMessageID() uint16 {
	a.messageID++
	return a.messageID
}

func (a *Association) deadline() error {
	return a.conn.SetDeadline(time.Now().Add(a.timeout))
}

// Close releases the association and closes the connection.
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isConnected {
		return nil
	}
	a.isConnected = false

	if err := a.deadline(); err == nil {
		if err := WriteRelease(a.conn, PDUReleaseRQ); err == nil {
			// Best effort: wait for A-RELEASE-RP so the peer sees a
			// graceful shutdown.
			_, _ = ReadPDU(a.conn)
		}
	}
	return a.conn.Close()
}

// IsConnected reports whether the association is established.
func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isConnected
}

// GetLastUsed returns the time of the last completed operation.
func (a *Association) GetLastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}
