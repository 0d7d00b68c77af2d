package scp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pacsbin/dicomweb-proxy/internal/tracker"
	"github.com/pacsbin/dicomweb-proxy/pkg/dimse"
)

const (
	negotiationTimeout = 10 * time.Second
	idleTimeout        = 60 * time.Second
)

// Server is the inbound DIMSE endpoint. Its single job is receiving the
// C-STORE sub-operations triggered by this gateway's own C-MOVE requests; it
// also answers C-ECHO so peers can verify connectivity. Query verbs are
// refused: the gateway is not a query provider.
type Server struct {
	aet      string
	peerAETs map[string]bool
	tracker  *tracker.Tracker

	ln     net.Listener
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// OnStore, when set, is called after every C-STORE with the response
	// status. Feeds metrics without importing them.
	OnStore func(status uint16)
}

// New creates a server identified by aet that only admits the given calling
// AE titles.
func New(aet string, peerAETs map[string]bool, tr *tracker.Tracker) *Server {
	return &Server{
		aet:      aet,
		peerAETs: peerAETs,
		tracker:  tr,
	}
}

// Listen binds the DIMSE port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	log.Info().Str("addr", ln.Addr().String()).Str("aet", s.aet).Msg("DIMSE SCP listening")
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts associations until Shutdown. Each connection is owned by one
// goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight associations.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// association state for one inbound connection. maxPDU is the receive limit
// the calling peer proposed; every outbound P-DATA-TF must fit inside it.
type association struct {
	conn     net.Conn
	maxPDU   uint32
	contexts map[byte]dimse.ContextResult
	asm      dimse.Assembler
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	conn.SetDeadline(time.Now().Add(negotiationTimeout))
	pdu, err := dimse.ReadPDU(conn)
	if err != nil {
		log.Debug().Err(err).Str("remote", remote).Msg("Failed to read association request")
		return
	}
	if pdu.Type != dimse.PDUTypeAssociateRQ {
		dimse.WriteAbort(conn, dimse.AbortSourceServiceProvider, dimse.AbortReasonUnexpectedPDU)
		return
	}
	rq, err := dimse.ParseAssociateRQ(pdu.Data)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("Malformed association request")
		dimse.WriteAbort(conn, dimse.AbortSourceServiceProvider, dimse.AbortReasonUnexpectedPDU)
		return
	}

	if !s.peerAETs[rq.CallingAET] {
		log.Warn().
			Str("calling_aet", rq.CallingAET).
			Str("remote", remote).
			Msg("Rejecting association from unknown AE title")
		dimse.WritePDU(conn, dimse.PDUTypeAssociateRJ, dimse.BuildAssociateRJ(
			dimse.RejectResultPermanent, dimse.RejectSourceServiceUser, dimse.RejectReasonCallingAENotRecognized))
		return
	}
	if rq.CalledAET != s.aet {
		log.Warn().
			Str("called_aet", rq.CalledAET).
			Str("remote", remote).
			Msg("Rejecting association addressed to wrong AE title")
		dimse.WritePDU(conn, dimse.PDUTypeAssociateRJ, dimse.BuildAssociateRJ(
			dimse.RejectResultPermanent, dimse.RejectSourceServiceUser, dimse.RejectReasonCalledAENotRecognized))
		return
	}

	a := &association{
		conn:     conn,
		maxPDU:   rq.MaxPDULength,
		contexts: make(map[byte]dimse.ContextResult),
	}
	results := make([]dimse.ContextResult, 0, len(rq.ProposedContexts))
	for _, pc := range rq.ProposedContexts {
		res := s.negotiateContext(pc)
		results = append(results, res)
		if res.Accepted() {
			a.contexts[pc.ID] = res
		}
	}

	if err := dimse.WritePDU(conn, dimse.PDUTypeAssociateAC,
		dimse.BuildAssociateAC(rq.CalledAET, rq.CallingAET, dimse.DefaultMaxPDULength, results)); err != nil {
		return
	}

	log.Debug().
		Str("calling_aet", rq.CallingAET).
		Str("remote", remote).
		Int("accepted_contexts", len(a.contexts)).
		Msg("Inbound association accepted")

	s.serveAssociation(a)
}

// negotiateContext applies the acceptance policy: Verification, Study Root
// Q/R, and every storage SOP class, with the preferred transfer syntax.
func (s *Server) negotiateContext(pc dimse.ProposedContext) dimse.ContextResult {
	res := dimse.ContextResult{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax}

	switch pc.AbstractSyntax {
	case dimse.VerificationSOPClass,
		dimse.StudyRootQueryRetrieveFind,
		dimse.StudyRootQueryRetrieveMove,
		dimse.StudyRootQueryRetrieveGet:
	default:
		if !dimse.IsStorageSOPClass(pc.AbstractSyntax) {
			res.Result = dimse.ContextRejectAbstract
			return res
		}
	}

	ts, ok := dimse.SelectTransferSyntax(pc.TransferSyntaxes)
	if !ok {
		res.Result = dimse.ContextRejectTransferStack
		return res
	}
	res.Result = dimse.ContextAccept
	res.TransferSyntax = ts
	return res
}

func (s *Server) serveAssociation(a *association) {
	for {
		a.conn.SetDeadline(time.Now().Add(idleTimeout))
		pdu, err := dimse.ReadPDU(a.conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("Association read ended")
			}
			return
		}

		switch pdu.Type {
		case dimse.PDUTypePDataTF:
			pdvs, err := dimse.ParsePDataTF(pdu.Data)
			if err != nil {
				dimse.WriteAbort(a.conn, dimse.AbortSourceServiceProvider, dimse.AbortReasonUnexpectedPDU)
				return
			}
			for _, pdv := range pdvs {
				complete, err := a.asm.Add(pdv)
				if err != nil {
					log.Warn().Err(err).Msg("Aborting association on assembly error")
					dimse.WriteAbort(a.conn, dimse.AbortSourceServiceProvider, dimse.AbortReasonUnexpectedPDU)
					return
				}
				if complete == nil {
					continue
				}
				if err := s.dispatch(a, complete); err != nil {
					log.Warn().Err(err).Msg("Aborting association on dispatch error")
					dimse.WriteAbort(a.conn, dimse.AbortSourceServiceProvider, dimse.AbortReasonNotSpecified)
					return
				}
			}

		case dimse.PDUTypeReleaseRQ:
			dimse.WriteReleaseRSP(a.conn)
			return

		case dimse.PDUTypeAbort:
			abort := dimse.ParseAbort(pdu.Data)
			log.Debug().Str("abort", abort.Error()).Msg("Association aborted by peer")
			return

		default:
			dimse.WriteAbort(a.conn, dimse.AbortSourceServiceProvider, dimse.AbortReasonUnexpectedPDU)
			return
		}
	}
}

func (s *Server) dispatch(a *association, msg *dimse.Assembled) error {
	switch msg.Command.CommandField {
	case dimse.CommandCEchoRQ:
		return s.reply(a, msg.ContextID, &dimse.Message{
			CommandField:              dimse.CommandCEchoRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
			CommandDataSetType:        dimse.DataSetAbsent,
			Status:                    dimse.StatusSuccess,
		})

	case dimse.CommandCStoreRQ:
		status := s.handleStore(a, msg)
		if s.OnStore != nil {
			s.OnStore(status)
		}
		return s.reply(a, msg.ContextID, &dimse.Message{
			CommandField:              dimse.CommandCStoreRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
			AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
			CommandDataSetType:        dimse.DataSetAbsent,
			Status:                    status,
		})

	case dimse.CommandCFindRQ, dimse.CommandCMoveRQ, dimse.CommandCGetRQ:
		// This gateway is not a query provider.
		return s.reply(a, msg.ContextID, &dimse.Message{
			CommandField:              msg.Command.CommandField | 0x8000,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
			CommandDataSetType:        dimse.DataSetAbsent,
			Status:                    dimse.StatusSOPClassNotSupported,
		})
	}
	return fmt.Errorf("unsupported command %s", dimse.CommandName(msg.Command.CommandField))
}

// handleStore validates the inbound instance against the pending retrieves
// and records it.
func (s *Server) handleStore(a *association, msg *dimse.Assembled) uint16 {
	res, ok := a.contexts[msg.ContextID]
	if !ok {
		return dimse.StatusProcessingFailure
	}

	ds, err := dimse.ParseDataset(msg.Dataset, res.TransferSyntax)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to parse stored dataset")
		return dimse.StatusProcessingFailure
	}

	studyUID := ds.GetString(dimse.TagStudyInstanceUID)
	seriesUID := ds.GetString(dimse.TagSeriesInstanceUID)
	sopUID := ds.GetString(dimse.TagSOPInstanceUID)
	if sopUID == "" {
		sopUID = msg.Command.AffectedSOPInstanceUID
	}

	id, ok := s.tracker.Validate(studyUID, seriesUID, sopUID)
	if !ok {
		log.Warn().
			Str("study_uid", studyUID).
			Str("sop_uid", sopUID).
			Msg("Rejecting unsolicited C-STORE")
		return dimse.StatusNotAuthorized
	}

	err = s.tracker.Record(id, tracker.Instance{
		SOPClassUID:    msg.Command.AffectedSOPClassUID,
		SOPInstanceUID: sopUID,
		TransferSyntax: res.TransferSyntax,
		Data:           msg.Dataset,
	})
	if err != nil {
		return dimse.StatusProcessingFailure
	}

	log.Debug().
		Str("correlation_id", id).
		Str("sop_uid", sopUID).
		Int("bytes", len(msg.Dataset)).
		Msg("Recorded C-STORE sub-operation")
	return dimse.StatusSuccess
}

func (s *Server) reply(a *association, contextID byte, msg *dimse.Message) error {
	return dimse.WriteMessagePDUs(a.conn, contextID, a.maxPDU, dimse.EncodeCommand(msg), nil)
}
