package scu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pacsbin/dicomweb-proxy/internal/config"
	"github.com/pacsbin/dicomweb-proxy/internal/tracker"
	"github.com/pacsbin/dicomweb-proxy/pkg/dimse"
)

// ErrRetrieveTimeout is returned when a C-MOVE completed on the wire but the
// expected C-STORE sub-operations never fully arrived at the SCP.
var ErrRetrieveTimeout = errors.New("retrieve timed out waiting for stored instances")

// DimseStatusError carries a terminal failure status from the PACS.
type DimseStatusError struct {
	Op     string
	Status uint16
}

func (e *DimseStatusError) Error() string {
	return fmt.Sprintf("%s failed with DIMSE status 0x%04x", e.Op, e.Status)
}

const defaultOpTimeout = 30 * time.Second

// Client issues DIMSE operations against one PACS peer. It opens a fresh
// association per operation; associations are cheap on an intranet and a
// fresh one sidesteps half-dead pooled connections.
type Client struct {
	peer      config.Peer
	ownAET    string
	useCget   bool
	opTimeout time.Duration
}

// New creates a client for a peer. ownAET is both the calling AE title and
// the C-MOVE destination.
func New(peer config.Peer, ownAET string, useCget bool) *Client {
	return &Client{
		peer:      peer,
		ownAET:    ownAET,
		useCget:   useCget,
		opTimeout: defaultOpTimeout,
	}
}

// Peer returns the peer this client targets.
func (c *Client) Peer() config.Peer {
	return c.peer
}

func (c *Client) connect(ctx context.Context, contexts []dimse.ProposedContext) (*dimse.Assoc, error) {
	return dimse.Connect(ctx, dimse.AssocConfig{
		Addr:             c.peer.Addr(),
		CallingAET:       c.ownAET,
		CalledAET:        c.peer.AET,
		ProposedContexts: contexts,
	})
}

// watchCancel aborts the association the moment ctx is cancelled, unblocking
// any read in progress. Without it a disconnected HTTP client would hold the
// association open until the operation timeout with no A-ABORT ever sent.
// The returned stop func releases the watch.
func watchCancel(ctx context.Context, assoc *dimse.Assoc) func() bool {
	return context.AfterFunc(ctx, func() {
		assoc.Abort(dimse.AbortSourceServiceUser, dimse.AbortReasonNotSpecified)
	})
}

// deadline bounds one network exchange, respecting the caller's context.
func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.opTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// Echo performs a C-ECHO and returns the round-trip time.
func (c *Client) Echo(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	assoc, err := c.connect(ctx, []dimse.ProposedContext{{
		ID:               1,
		AbstractSyntax:   dimse.VerificationSOPClass,
		TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian},
	}})
	if err != nil {
		return 0, err
	}
	defer assoc.Close()
	defer watchCancel(ctx, assoc)()

	ctxID, err := assoc.ContextFor(dimse.VerificationSOPClass)
	if err != nil {
		return 0, err
	}

	assoc.SetDeadline(c.deadline(ctx))
	msgID := assoc.NextMessageID()
	err = assoc.Send(ctxID, &dimse.Message{
		CommandField:        dimse.CommandCEchoRQ,
		MessageID:           msgID,
		AffectedSOPClassUID: dimse.VerificationSOPClass,
		CommandDataSetType:  dimse.DataSetAbsent,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("send c-echo: %w", err)
	}

	rsp, err := assoc.Receive()
	if err != nil {
		return 0, fmt.Errorf("receive c-echo response: %w", err)
	}
	if rsp.Command.CommandField != dimse.CommandCEchoRSP || rsp.Command.Status != dimse.StatusSuccess {
		return 0, &DimseStatusError{Op: "c-echo", Status: rsp.Command.Status}
	}

	assoc.Release()
	return time.Since(start), nil
}

// Find runs a Study Root C-FIND with the given query dataset and returns the
// matching identifiers.
func (c *Client) Find(ctx context.Context, query *dimse.Dataset) ([]*dimse.Dataset, error) {
	assoc, err := c.connect(ctx, []dimse.ProposedContext{{
		ID:               1,
		AbstractSyntax:   dimse.StudyRootQueryRetrieveFind,
		TransferSyntaxes: []string{dimse.ExplicitVRLittleEndian, dimse.ImplicitVRLittleEndian},
	}})
	if err != nil {
		return nil, err
	}
	defer assoc.Close()
	defer watchCancel(ctx, assoc)()

	ctxID, err := assoc.ContextFor(dimse.StudyRootQueryRetrieveFind)
	if err != nil {
		return nil, err
	}
	ts, err := assoc.TransferSyntaxFor(ctxID)
	if err != nil {
		return nil, err
	}
	encoded, err := query.Encode(ts)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	assoc.SetDeadline(c.deadline(ctx))
	err = assoc.Send(ctxID, &dimse.Message{
		CommandField:        dimse.CommandCFindRQ,
		MessageID:           assoc.NextMessageID(),
		AffectedSOPClassUID: dimse.StudyRootQueryRetrieveFind,
		CommandDataSetType:  dimse.DataSetPresent,
	}, encoded)
	if err != nil {
		return nil, fmt.Errorf("send c-find: %w", err)
	}

	var results []*dimse.Dataset
	for {
		assoc.SetDeadline(c.deadline(ctx))
		rsp, err := assoc.Receive()
		if err != nil {
			return nil, fmt.Errorf("receive c-find response: %w", err)
		}
		if rsp.Command.CommandField != dimse.CommandCFindRSP {
			return nil, fmt.Errorf("unexpected %s during c-find", dimse.CommandName(rsp.Command.CommandField))
		}

		status := rsp.Command.Status
		if dimse.IsPendingStatus(status) {
			match, err := dimse.ParseDataset(rsp.Dataset, ts)
			if err != nil {
				log.Warn().Err(err).Msg("Skipping unparseable C-FIND match")
				continue
			}
			results = append(results, match)
			continue
		}
		if status == dimse.StatusSuccess {
			break
		}
		return nil, &DimseStatusError{Op: "c-find", Status: status}
	}

	assoc.Release()
	log.Debug().Int("matches", len(results)).Str("peer", c.peer.AET).Msg("C-FIND completed")
	return results, nil
}

// RetrieveResult is the outcome of a C-GET or C-MOVE retrieve.
type RetrieveResult struct {
	Instances []tracker.Instance
	Completed int
	Failed    int
	Warnings  int
}

// Retrieve fetches every instance in the given UID scope, via C-GET when the
// client is so configured, otherwise via C-MOVE correlated through the
// tracker.
func (c *Client) Retrieve(ctx context.Context, tr *tracker.Tracker, studyUID, seriesUID, instanceUID string) (*RetrieveResult, error) {
	if c.useCget {
		return c.retrieveGet(ctx, studyUID, seriesUID, instanceUID)
	}
	return c.retrieveMove(ctx, tr, studyUID, seriesUID, instanceUID)
}

// retrieveIdentifier builds the C-GET/C-MOVE identifier dataset.
func retrieveIdentifier(studyUID, seriesUID, instanceUID string) *dimse.Dataset {
	ds := dimse.NewDataset()
	switch {
	case instanceUID != "":
		ds.SetString(dimse.TagQueryRetrieveLevel, "CS", "IMAGE")
	case seriesUID != "":
		ds.SetString(dimse.TagQueryRetrieveLevel, "CS", "SERIES")
	default:
		ds.SetString(dimse.TagQueryRetrieveLevel, "CS", "STUDY")
	}
	ds.SetString(dimse.TagStudyInstanceUID, "UI", studyUID)
	if seriesUID != "" {
		ds.SetString(dimse.TagSeriesInstanceUID, "UI", seriesUID)
	}
	if instanceUID != "" {
		ds.SetString(dimse.TagSOPInstanceUID, "UI", instanceUID)
	}
	return ds
}

// storageContexts proposes every storage SOP class so inline C-GET stores
// can arrive in whatever syntax the PACS holds.
func storageContexts(firstID byte) []dimse.ProposedContext {
	out := make([]dimse.ProposedContext, 0, len(dimse.StorageSOPClasses))
	id := firstID
	for _, sop := range dimse.StorageSOPClasses {
		out = append(out, dimse.ProposedContext{
			ID:             id,
			AbstractSyntax: sop,
			TransferSyntaxes: []string{
				dimse.ExplicitVRLittleEndian,
				dimse.ImplicitVRLittleEndian,
				dimse.JPEGBaseline,
				dimse.JPEG2000Lossless,
				dimse.JPEGLSLossless,
				dimse.RLELossless,
			},
		})
		id += 2
	}
	return out
}

func (c *Client) retrieveGet(ctx context.Context, studyUID, seriesUID, instanceUID string) (*RetrieveResult, error) {
	contexts := append([]dimse.ProposedContext{{
		ID:               1,
		AbstractSyntax:   dimse.StudyRootQueryRetrieveGet,
		TransferSyntaxes: []string{dimse.ExplicitVRLittleEndian, dimse.ImplicitVRLittleEndian},
	}}, storageContexts(3)...)

	assoc, err := c.connect(ctx, contexts)
	if err != nil {
		return nil, err
	}
	defer assoc.Close()
	defer watchCancel(ctx, assoc)()

	ctxID, err := assoc.ContextFor(dimse.StudyRootQueryRetrieveGet)
	if err != nil {
		return nil, err
	}
	ts, err := assoc.TransferSyntaxFor(ctxID)
	if err != nil {
		return nil, err
	}
	encoded, err := retrieveIdentifier(studyUID, seriesUID, instanceUID).Encode(ts)
	if err != nil {
		return nil, err
	}

	assoc.SetDeadline(c.deadline(ctx))
	err = assoc.Send(ctxID, &dimse.Message{
		CommandField:        dimse.CommandCGetRQ,
		MessageID:           assoc.NextMessageID(),
		AffectedSOPClassUID: dimse.StudyRootQueryRetrieveGet,
		CommandDataSetType:  dimse.DataSetPresent,
	}, encoded)
	if err != nil {
		return nil, fmt.Errorf("send c-get: %w", err)
	}

	result := &RetrieveResult{}
	for {
		assoc.SetDeadline(c.deadline(ctx))
		rsp, err := assoc.Receive()
		if err != nil {
			return nil, fmt.Errorf("receive during c-get: %w", err)
		}

		switch rsp.Command.CommandField {
		case dimse.CommandCStoreRQ:
			storeTS, err := assoc.TransferSyntaxFor(rsp.ContextID)
			if err != nil {
				storeTS = dimse.ImplicitVRLittleEndian
			}
			result.Instances = append(result.Instances, tracker.Instance{
				SOPClassUID:    rsp.Command.AffectedSOPClassUID,
				SOPInstanceUID: rsp.Command.AffectedSOPInstanceUID,
				TransferSyntax: storeTS,
				Data:           rsp.Dataset,
			})
			err = assoc.Send(rsp.ContextID, &dimse.Message{
				CommandField:              dimse.CommandCStoreRSP,
				MessageIDBeingRespondedTo: rsp.Command.MessageID,
				AffectedSOPClassUID:       rsp.Command.AffectedSOPClassUID,
				AffectedSOPInstanceUID:    rsp.Command.AffectedSOPInstanceUID,
				CommandDataSetType:        dimse.DataSetAbsent,
				Status:                    dimse.StatusSuccess,
			}, nil)
			if err != nil {
				return nil, fmt.Errorf("send c-store response: %w", err)
			}

		case dimse.CommandCGetRSP:
			status := rsp.Command.Status
			if dimse.IsPendingStatus(status) {
				continue
			}
			fillCounters(result, rsp.Command)
			if dimse.IsFailureStatus(status) {
				return nil, &DimseStatusError{Op: "c-get", Status: status}
			}
			assoc.Release()
			return result, nil

		default:
			return nil, fmt.Errorf("unexpected %s during c-get", dimse.CommandName(rsp.Command.CommandField))
		}
	}
}

func (c *Client) retrieveMove(ctx context.Context, tr *tracker.Tracker, studyUID, seriesUID, instanceUID string) (*RetrieveResult, error) {
	handle := tr.Register(studyUID, seriesUID, instanceUID, c.opTimeout)

	assoc, err := c.connect(ctx, []dimse.ProposedContext{{
		ID:               1,
		AbstractSyntax:   dimse.StudyRootQueryRetrieveMove,
		TransferSyntaxes: []string{dimse.ExplicitVRLittleEndian, dimse.ImplicitVRLittleEndian},
	}})
	if err != nil {
		tr.Cancel(handle.ID)
		return nil, err
	}
	defer assoc.Close()
	defer watchCancel(ctx, assoc)()

	ctxID, err := assoc.ContextFor(dimse.StudyRootQueryRetrieveMove)
	if err != nil {
		tr.Cancel(handle.ID)
		return nil, err
	}
	ts, err := assoc.TransferSyntaxFor(ctxID)
	if err != nil {
		tr.Cancel(handle.ID)
		return nil, err
	}
	encoded, err := retrieveIdentifier(studyUID, seriesUID, instanceUID).Encode(ts)
	if err != nil {
		tr.Cancel(handle.ID)
		return nil, err
	}

	assoc.SetDeadline(c.deadline(ctx))
	err = assoc.Send(ctxID, &dimse.Message{
		CommandField:        dimse.CommandCMoveRQ,
		MessageID:           assoc.NextMessageID(),
		AffectedSOPClassUID: dimse.StudyRootQueryRetrieveMove,
		CommandDataSetType:  dimse.DataSetPresent,
		MoveDestination:     c.ownAET,
	}, encoded)
	if err != nil {
		tr.Cancel(handle.ID)
		return nil, fmt.Errorf("send c-move: %w", err)
	}

	result := &RetrieveResult{}
	for {
		assoc.SetDeadline(c.deadline(ctx))
		rsp, err := assoc.Receive()
		if err != nil {
			tr.Cancel(handle.ID)
			return nil, fmt.Errorf("receive c-move response: %w", err)
		}
		if rsp.Command.CommandField != dimse.CommandCMoveRSP {
			tr.Cancel(handle.ID)
			return nil, fmt.Errorf("unexpected %s during c-move", dimse.CommandName(rsp.Command.CommandField))
		}

		status := rsp.Command.Status
		if dimse.IsPendingStatus(status) {
			continue
		}
		fillCounters(result, rsp.Command)
		if dimse.IsFailureStatus(status) {
			tr.Cancel(handle.ID)
			return nil, &DimseStatusError{Op: "c-move", Status: status}
		}
		break
	}
	assoc.Release()

	// The terminal response and the C-STORE stream race on separate
	// associations; wait for the tracker to see both.
	if err := tr.Complete(handle.ID, result.Completed); err != nil {
		// The tracker already swept the entry.
		return nil, ErrRetrieveTimeout
	}
	select {
	case <-handle.Done():
	case <-ctx.Done():
		tr.Cancel(handle.ID)
		return nil, ctx.Err()
	}
	if !handle.Resolved() {
		return nil, ErrRetrieveTimeout
	}

	result.Instances = handle.Instances()
	log.Debug().
		Str("correlation_id", handle.ID).
		Int("instances", len(result.Instances)).
		Str("peer", c.peer.AET).
		Msg("C-MOVE retrieve resolved")
	return result, nil
}

func fillCounters(result *RetrieveResult, cmd *dimse.Message) {
	if cmd.NumberOfCompletedSuboperations != nil {
		result.Completed = int(*cmd.NumberOfCompletedSuboperations)
	}
	if cmd.NumberOfFailedSuboperations != nil {
		result.Failed = int(*cmd.NumberOfFailedSuboperations)
	}
	if cmd.NumberOfWarningSuboperations != nil {
		result.Warnings = int(*cmd.NumberOfWarningSuboperations)
	}
}
