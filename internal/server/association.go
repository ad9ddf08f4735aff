package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/services"
	"github.com/lamyj/dopamine/pkg/dicom"
	"github.com/lamyj/dopamine/pkg/dimse"
)

// presentation is one accepted presentation context.
type presentation struct {
	contextID      byte
	abstractSyntax string
	transferSyntax string
}

// A-ASSOCIATE-RJ reasons (service-user source).
const (
	rejectNoReason             byte = 1
	rejectCallingAEUnknown     byte = 3
	rejectCalledAEUnrecognized byte = 7
)

var errAssociationClosed = errors.New("association closed")

type pduEvent struct {
	pdu *dimse.PDU
	err error
}

// association owns one accepted connection: negotiation, message
// assembly and dispatch.
type association struct {
	srv  *Server
	conn net.Conn
	logg zerolog.Logger

	identity   authz.Identity
	contexts   map[byte]presentation
	byAbstract map[string]presentation
	peerMaxPDU uint32

	events chan pduEvent
	// done releases readLoop once run has stopped receiving events.
	done chan struct{}

	// assembly state for inbound P-DATA
	commandBytes []byte
	datasetBytes []byte
	pendingCmd   *dimse.Message
	pendingCtx   byte

	cancelled bool
	nextSubID uint16
}

func newAssociation(srv *Server, conn net.Conn) *association {
	return &association{
		srv:        srv,
		conn:       conn,
		logg:       log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		contexts:   map[byte]presentation{},
		byAbstract: map[string]presentation{},
		peerMaxPDU: 16384,
	}
}

func (a *association) run() {
	if err := a.negotiate(); err != nil {
		a.logg.Warn().Err(err).Msg("Association negotiation failed")
		return
	}
	a.srv.recordAssociation(a.identity.CallingAETitle, "accepted")
	a.logg = a.logg.With().Str("calling_aet", a.identity.CallingAETitle).Logger()
	a.logg.Info().Int("contexts", len(a.contexts)).Msg("Association accepted")

	a.events = make(chan pduEvent, 4)
	a.done = make(chan struct{})
	defer close(a.done)
	go a.readLoop()

	for {
		inbound, err := a.nextRequest()
		if err != nil {
			if !errors.Is(err, errAssociationClosed) {
				a.logg.Warn().Err(err).Msg("Association terminated")
				a.srv.recordAssociation(a.identity.CallingAETitle, "aborted")
			}
			return
		}
		if err := a.dispatch(inbound); err != nil {
			a.logg.Error().Err(err).Msg("Request handling failed")
			a.abort()
			return
		}
	}
}

func (a *association) readLoop() {
	for {
		pdu, err := dimse.ReadPDU(a.conn)
		select {
		case a.events <- pduEvent{pdu: pdu, err: err}:
		case <-a.done:
			// run stopped consuming; drop the PDU so the goroutine exits
			// even when the buffer is full.
			return
		}
		if err != nil {
			return
		}
	}
}

// negotiate runs the A-ASSOCIATE handshake directly on the connection.
func (a *association) negotiate() error {
	if a.srv.IdleTimeout > 0 {
		a.conn.SetReadDeadline(time.Now().Add(a.srv.IdleTimeout))
	}
	pdu, err := dimse.ReadPDU(a.conn)
	if err != nil {
		return err
	}
	if pdu.Type != dimse.PDUAssociateRQ {
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type 0x%02x", pdu.Type)
	}
	rq, err := dimse.ParseAssociateRQ(pdu.Data)
	if err != nil {
		return err
	}

	a.identity = authz.Identity{
		CallingAETitle: rq.CallingAETitle,
		Host:           remoteHost(a.conn),
	}

	if a.srv.AETitle != "" && rq.CalledAETitle != a.srv.AETitle {
		a.srv.recordAssociation(rq.CallingAETitle, "rejected")
		a.reject(rejectCalledAEUnrecognized)
		return fmt.Errorf("called AE title %q not served", rq.CalledAETitle)
	}
	if a.srv.Authorizer != nil && !a.srv.Authorizer.IsAuthorized(a.identity, authz.ServiceEcho) {
		a.srv.recordAssociation(rq.CallingAETitle, "rejected")
		a.reject(rejectCallingAEUnknown)
		return fmt.Errorf("calling AE title %q not allowed", rq.CallingAETitle)
	}

	ac := &dimse.AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   a.srv.maxPDULength(),
	}
	for _, proposed := range rq.Contexts {
		accepted := a.evaluateContext(proposed)
		ac.Contexts = append(ac.Contexts, accepted)
		if accepted.Result == dimse.ContextAccepted {
			ctx := presentation{
				contextID:      proposed.ID,
				abstractSyntax: proposed.AbstractSyntax,
				transferSyntax: accepted.TransferSyntax,
			}
			a.contexts[proposed.ID] = ctx
			if _, dup := a.byAbstract[proposed.AbstractSyntax]; !dup {
				a.byAbstract[proposed.AbstractSyntax] = ctx
			}
		}
	}
	if len(a.contexts) == 0 {
		a.srv.recordAssociation(rq.CallingAETitle, "rejected")
		a.reject(rejectNoReason)
		return fmt.Errorf("no acceptable presentation context")
	}

	a.peerMaxPDU = rq.MaxPDULength
	return dimse.WritePDU(a.conn, dimse.PDUAssociateAC, ac.Encode())
}

// evaluateContext negotiates one proposed context. Explicit VR little
// endian is preferred when offered.
func (a *association) evaluateContext(proposed dimse.ProposedContext) dimse.AcceptedContext {
	supported := proposed.AbstractSyntax == dimse.VerificationSOPClass ||
		dimse.IsQueryRetrieveSOPClass(proposed.AbstractSyntax) ||
		dimse.IsStorageSOPClass(proposed.AbstractSyntax)
	if !supported {
		return dimse.AcceptedContext{ID: proposed.ID, Result: dimse.ContextRejectAbstractSyntax}
	}

	chosen := ""
	for _, ts := range proposed.TransferSyntaxes {
		if ts == dicom.ExplicitVRLittleEndian {
			chosen = ts
			break
		}
		if ts == dicom.ImplicitVRLittleEndian && chosen == "" {
			chosen = ts
		}
	}
	if chosen == "" {
		return dimse.AcceptedContext{ID: proposed.ID, Result: dimse.ContextRejectTransferSyntax}
	}
	return dimse.AcceptedContext{
		ID:             proposed.ID,
		Result:         dimse.ContextAccepted,
		TransferSyntax: chosen,
	}
}

func (a *association) reject(reason byte) {
	// result 1 (rejected-permanent), source 1 (service user)
	dimse.WritePDU(a.conn, dimse.PDUAssociateRJ, []byte{0x00, 0x01, 0x01, reason})
}

func (a *association) abort() {
	dimse.WriteAbort(a.conn)
}

type inboundRequest struct {
	message *dimse.Message
	dataset []byte
	context presentation
}

// nextRequest blocks until one full DIMSE message has been assembled.
func (a *association) nextRequest() (*inboundRequest, error) {
	for {
		if a.srv.IdleTimeout > 0 {
			a.conn.SetReadDeadline(time.Now().Add(a.srv.IdleTimeout))
		}
		event := <-a.events
		inbound, err := a.consume(event)
		if err != nil {
			return nil, err
		}
		if inbound != nil {
			return inbound, nil
		}
	}
}

// consume feeds one PDU event into the assembly state. It returns a
// request when a full message is available.
func (a *association) consume(event pduEvent) (*inboundRequest, error) {
	if event.err != nil {
		return nil, fmt.Errorf("read: %w", event.err)
	}
	switch event.pdu.Type {
	case dimse.PDUPDataTF:
	case dimse.PDUReleaseRQ:
		dimse.WriteRelease(a.conn, dimse.PDUReleaseRP)
		a.logg.Info().Msg("Association released")
		return nil, errAssociationClosed
	case dimse.PDUAbort:
		a.logg.Info().Msg("Association aborted by peer")
		return nil, errAssociationClosed
	default:
		return nil, fmt.Errorf("unexpected PDU type 0x%02x", event.pdu.Type)
	}

	pdvs, err := dimse.ParsePData(event.pdu.Data)
	if err != nil {
		return nil, err
	}
	for _, pdv := range pdvs {
		if _, ok := a.contexts[pdv.ContextID]; !ok {
			return nil, fmt.Errorf("PDV for unnegotiated context %d", pdv.ContextID)
		}
		if pdv.IsCommand {
			a.commandBytes = append(a.commandBytes, pdv.Data...)
			if !pdv.IsLast {
				continue
			}
			msg, err := dimse.ParseCommand(a.commandBytes)
			a.commandBytes = nil
			if err != nil {
				return nil, err
			}
			if msg.HasDataset() {
				a.pendingCmd = msg
				a.pendingCtx = pdv.ContextID
				continue
			}
			return &inboundRequest{message: msg, context: a.contexts[pdv.ContextID]}, nil
		}

		a.datasetBytes = append(a.datasetBytes, pdv.Data...)
		if !pdv.IsLast {
			continue
		}
		if a.pendingCmd == nil {
			return nil, errors.New("dataset PDV without a command")
		}
		request := &inboundRequest{
			message: a.pendingCmd,
			dataset: a.datasetBytes,
			context: a.contexts[a.pendingCtx],
		}
		a.pendingCmd = nil
		a.datasetBytes = nil
		return request, nil
	}
	return nil, nil
}

func (a *association) dispatch(inbound *inboundRequest) error {
	msg := inbound.message
	if msg.CommandField == dimse.CommandCCancelRQ {
		// A cancel with nothing in flight is a no-op.
		a.cancelled = true
		return nil
	}

	var handler services.Handler
	switch msg.CommandField {
	case dimse.CommandCEchoRQ:
		handler = a.srv.Echo
	case dimse.CommandCStoreRQ:
		handler = a.srv.Store
	case dimse.CommandCFindRQ:
		handler = a.srv.Find
	case dimse.CommandCMoveRQ:
		handler = a.srv.Move
	case dimse.CommandCGetRQ:
		handler = a.srv.Get
	}
	if handler == nil {
		a.logg.Warn().
			Uint16("command", msg.CommandField).
			Msg("Unsupported DIMSE operation")
		return a.send(inbound.context, msg.ResponseTo(dimse.StatusUnableToProcess), nil)
	}

	var ds *dicom.DataSet
	if len(inbound.dataset) > 0 {
		parsed, err := dicom.ParseDataSet(inbound.dataset, inbound.context.transferSyntax)
		if err != nil {
			a.logg.Warn().Err(err).Msg("Failed to parse request dataset")
			response := msg.ResponseTo(dimse.StatusUnableToProcess)
			response.ErrorComment = "unparseable dataset"
			return a.send(inbound.context, response, nil)
		}
		ds = parsed
	}

	a.cancelled = false
	request := &services.Request{
		Identity: a.identity,
		Message:  msg,
		DataSet:  ds,
	}
	responder := &responder{assoc: a, context: inbound.context}
	return handler.Handle(context.Background(), request, responder)
}

func (a *association) send(ctx presentation, rsp *dimse.Message, identifier *dicom.DataSet) error {
	var payload []byte
	if identifier != nil {
		encoded, err := dicom.EncodeDataSet(identifier, ctx.transferSyntax)
		if err != nil {
			return fmt.Errorf("encoding response dataset: %w", err)
		}
		payload = encoded
		rsp.CommandDataSetType = dimse.HasDataSet
	}
	command := dimse.EncodeCommand(rsp)
	return dimse.WriteMessage(a.conn, ctx.contextID, a.peerMaxPDU, command, payload)
}

// drainCancel consumes buffered PDUs without blocking, looking for
// C-CANCEL while a handler is streaming responses.
func (a *association) drainCancel() {
	for {
		select {
		case event := <-a.events:
			inbound, err := a.consume(event)
			if err != nil {
				a.cancelled = true
				return
			}
			if inbound != nil && inbound.message.CommandField == dimse.CommandCCancelRQ {
				a.cancelled = true
			}
		default:
			return
		}
	}
}

// waitForSubResponse blocks for the C-STORE-RSP of a C-GET
// sub-operation. A C-CANCEL arriving meanwhile is recorded and the wait
// continues.
func (a *association) waitForSubResponse(ctx context.Context) (*dimse.Message, error) {
	for {
		select {
		case event := <-a.events:
			inbound, err := a.consume(event)
			if err != nil {
				return nil, err
			}
			if inbound == nil {
				continue
			}
			if inbound.message.CommandField == dimse.CommandCCancelRQ {
				a.cancelled = true
				continue
			}
			if inbound.message.CommandField == dimse.CommandCStoreRSP {
				return inbound.message, nil
			}
			return nil, fmt.Errorf("unexpected command 0x%04x during sub-operation", inbound.message.CommandField)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// responder is the services.Responder bound to one request.
type responder struct {
	assoc   *association
	context presentation
}

func (r *responder) Send(rsp *dimse.Message, identifier *dicom.DataSet) error {
	return r.assoc.send(r.context, rsp, identifier)
}

func (r *responder) Cancelled() bool {
	r.assoc.drainCancel()
	return r.assoc.cancelled
}

// StoreInstance performs a C-GET sub-operation: a C-STORE-RQ back to
// the requestor on its negotiated storage context.
func (r *responder) StoreInstance(ctx context.Context, ds *dicom.DataSet) error {
	a := r.assoc
	sopClassUID := ds.GetString(dicom.TagSOPClassUID)
	sopInstanceUID := ds.GetString(dicom.TagSOPInstanceUID)
	storeCtx, ok := a.byAbstract[sopClassUID]
	if !ok {
		return fmt.Errorf("no presentation context for SOP class %s", sopClassUID)
	}

	payload, err := dicom.EncodeDataSet(ds, storeCtx.transferSyntax)
	if err != nil {
		return err
	}
	a.nextSubID++
	request := &dimse.Message{
		CommandField:           dimse.CommandCStoreRQ,
		MessageID:              a.nextSubID,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		CommandDataSetType:     dimse.HasDataSet,
	}
	command := dimse.EncodeCommand(request)
	if err := dimse.WriteMessage(a.conn, storeCtx.contextID, a.peerMaxPDU, command, payload); err != nil {
		return err
	}

	response, err := a.waitForSubResponse(ctx)
	if err != nil {
		return err
	}
	if response.Status != dimse.StatusSuccess {
		return fmt.Errorf("peer refused sub-operation with status 0x%04x", response.Status)
	}
	return nil
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
