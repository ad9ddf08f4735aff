package server_test

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamyj/dopamine/internal/authz"
	"github.com/lamyj/dopamine/internal/server"
	"github.com/lamyj/dopamine/internal/services"
	"github.com/lamyj/dopamine/internal/store"
	"github.com/lamyj/dopamine/internal/store/storetest"
	"github.com/lamyj/dopamine/pkg/dicom"
	"github.com/lamyj/dopamine/pkg/dimse"
)

type testNode struct {
	addr string
	port int
	fake *storetest.Fake
}

func startTestNode(t *testing.T) *testNode {
	t.Helper()

	fake := &storetest.Fake{}
	files := &store.FileStore{Root: t.TempDir()}
	auth := authz.AllowAll{}

	srv := &server.Server{
		AETitle:    "DOPAMINE",
		Authorizer: auth,
		Echo:       &services.EchoService{Authorizer: auth},
		Store:      &services.StoreService{Store: fake, Files: files, Authorizer: auth},
		Find:       &services.FindService{Store: fake, Authorizer: auth},
		Get:        &services.GetService{Store: fake, Files: files, Authorizer: auth},
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(listener)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	tcpAddr := listener.Addr().(*net.TCPAddr)
	return &testNode{addr: tcpAddr.IP.String(), port: tcpAddr.Port, fake: fake}
}

func clientFor(node *testNode, sopClasses ...string) *dimse.Association {
	return dimse.NewAssociation(dimse.AssociationConfig{
		Host:       node.addr,
		Port:       node.port,
		CallingAET: "MODALITY",
		CalledAET:  "DOPAMINE",
		Timeout:    5 * time.Second,
		SOPClasses: sopClasses,
	})
}

func sampleInstance(sopUID string) *dicom.DataSet {
	ds := dicom.NewDataSet()
	ds.Put(dicom.TagSOPClassUID, dicom.VRUI, dicom.Strings{"1.2.840.10008.5.1.4.1.1.4"})
	ds.Put(dicom.TagSOPInstanceUID, dicom.VRUI, dicom.Strings{sopUID})
	ds.Put(dicom.TagStudyInstanceUID, dicom.VRUI, dicom.Strings{"1.2.1"})
	ds.Put(dicom.TagSeriesInstanceUID, dicom.VRUI, dicom.Strings{"1.2.1.1"})
	ds.Put(dicom.TagPatientID, dicom.VRLO, dicom.Strings{"P1"})
	ds.Put(dicom.TagPatientName, dicom.VRPN, dicom.Strings{"Doe^Jane"})
	ds.Put(dicom.TagModality, dicom.VRCS, dicom.Strings{"MR"})
	return ds
}

func TestEchoOverTheWire(t *testing.T) {
	node := startTestNode(t)
	assoc := clientFor(node)

	ctx := context.Background()
	require.NoError(t, assoc.Connect(ctx))
	defer assoc.Close()

	assert.NoError(t, assoc.Echo(ctx))
}

func TestStoreThenFindOverTheWire(t *testing.T) {
	node := startTestNode(t)
	assoc := clientFor(node, "1.2.840.10008.5.1.4.1.1.4", dimse.StudyRootFind)

	ctx := context.Background()
	require.NoError(t, assoc.Connect(ctx))
	defer assoc.Close()

	require.NoError(t, assoc.Store(ctx, sampleInstance("1.2.1.1.1")))
	require.Len(t, node.fake.Docs, 1)

	identifier := dicom.NewDataSet()
	identifier.Put(dicom.TagQueryRetrieveLevel, dicom.VRCS, dicom.Strings{"STUDY"})
	identifier.Put(dicom.TagPatientID, dicom.VRLO, dicom.Strings{"P1"})
	identifier.Put(dicom.TagPatientName, dicom.VRPN, dicom.Strings{})

	matches, err := assoc.Find(ctx, dimse.StudyRootFind, identifier)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Doe^Jane", matches[0].GetString(dicom.TagPatientName))
	assert.Equal(t, "1.2.1", matches[0].GetString(dicom.TagStudyInstanceUID))
}

func TestStoreIsIdempotentOverTheWire(t *testing.T) {
	node := startTestNode(t)
	assoc := clientFor(node, "1.2.840.10008.5.1.4.1.1.4")

	ctx := context.Background()
	require.NoError(t, assoc.Connect(ctx))
	defer assoc.Close()

	require.NoError(t, assoc.Store(ctx, sampleInstance("1.2.1.1.1")))
	require.NoError(t, assoc.Store(ctx, sampleInstance("1.2.1.1.1")))
	assert.Len(t, node.fake.Docs, 1)
}

func TestWrongCalledAETitleIsRejected(t *testing.T) {
	node := startTestNode(t)
	assoc := dimse.NewAssociation(dimse.AssociationConfig{
		Host:       node.addr,
		Port:       node.port,
		CallingAET: "MODALITY",
		CalledAET:  "SOMEONE_ELSE",
		Timeout:    5 * time.Second,
	})

	err := assoc.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestPeerFloodAfterProtocolErrorDoesNotLeakReader(t *testing.T) {
	node := startTestNode(t)
	before := runtime.NumGoroutine()

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", node.addr, node.port))
	require.NoError(t, err)
	defer conn.Close()

	rq := &dimse.AssociateRQ{
		CalledAETitle:  "DOPAMINE",
		CallingAETitle: "MODALITY",
		MaxPDULength:   16384,
		Contexts: []dimse.ProposedContext{{
			ID:               1,
			AbstractSyntax:   dimse.VerificationSOPClass,
			TransferSyntaxes: []string{dicom.ExplicitVRLittleEndian},
		}},
	}
	require.NoError(t, dimse.WritePDU(conn, dimse.PDUAssociateRQ, rq.Encode()))
	ac, err := dimse.ReadPDU(conn)
	require.NoError(t, err)
	require.Equal(t, dimse.PDUAssociateAC, ac.Type)

	// A second A-ASSOCIATE-RQ is a protocol error; the handler stops
	// consuming. Keep pumping PDUs past the event buffer so a reader
	// still sending would stay blocked forever.
	require.NoError(t, dimse.WritePDU(conn, dimse.PDUAssociateRQ, rq.Encode()))
	for i := 0; i < 16; i++ {
		if err := dimse.WritePDU(conn, dimse.PDUReleaseRQ, []byte{0, 0, 0, 0}); err != nil {
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reader goroutine still running: %d goroutines, started with %d", runtime.NumGoroutine(), before)
}

func TestUnknownAbstractSyntaxIsRefused(t *testing.T) {
	node := startTestNode(t)
	// A made-up SOP class: the context is rejected, verification still
	// negotiates, so the association itself succeeds.
	assoc := clientFor(node, "1.2.3.4.5.6.7")

	ctx := context.Background()
	require.NoError(t, assoc.Connect(ctx))
	defer assoc.Close()

	err := assoc.Store(ctx, sampleInstance("1.2.1.1.1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not negotiated")
}
