package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrAssociationReleased is returned by Receive when the peer initiates a
// release while the caller is waiting for responses.
var ErrAssociationReleased = errors.New("association released by peer")

// AssocConfig parameterizes an outbound association.
type AssocConfig struct {
	Addr             string
	CallingAET       string
	CalledAET        string
	MaxPDULength     uint32
	ConnectTimeout   time.Duration // association negotiation, default 10s
	ProposedContexts []ProposedContext
}

// Assoc is an established client-side association. A single goroutine owns
// the connection: Send and Receive must not be called concurrently.
type Assoc struct {
	conn       net.Conn
	maxPDU     uint32
	contexts   map[byte]ContextResult
	byAbstract map[string]byte
	asm        Assembler

	mu        sync.Mutex
	nextMsgID uint16
	closed    bool
}

// Connect dials the peer, negotiates the association, and returns the active
// association. A rejection surfaces as *AssociateRejectedError.
func Connect(ctx context.Context, cfg AssocConfig) (*Assoc, error) {
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = DefaultMaxPDULength
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	rq := &AssociateRQ{
		CalledAET:        cfg.CalledAET,
		CallingAET:       cfg.CallingAET,
		MaxPDULength:     cfg.MaxPDULength,
		ProposedContexts: cfg.ProposedContexts,
	}
	if err := WritePDU(conn, PDUTypeAssociateRQ, BuildAssociateRQ(rq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send associate request: %w", err)
	}

	pdu, err := ReadPDU(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read associate response: %w", err)
	}

	switch pdu.Type {
	case PDUTypeAssociateAC:
	case PDUTypeAssociateRJ:
		conn.Close()
		return nil, ParseAssociateRJ(pdu.Data)
	case PDUTypeAbort:
		conn.Close()
		return nil, ParseAbort(pdu.Data)
	default:
		WriteAbort(conn, AbortSourceServiceUser, AbortReasonUnexpectedPDU)
		conn.Close()
		return nil, fmt.Errorf("unexpected pdu type 0x%02x during negotiation", pdu.Type)
	}

	peerMaxPDU, results, err := ParseAssociateAC(pdu.Data)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("parse associate accept: %w", err)
	}

	a := &Assoc{
		conn:       conn,
		maxPDU:     peerMaxPDU,
		contexts:   make(map[byte]ContextResult),
		byAbstract: make(map[string]byte),
		nextMsgID:  1,
	}
	for _, pc := range cfg.ProposedContexts {
		res, ok := results[pc.ID]
		if !ok || !res.Accepted() {
			continue
		}
		res.AbstractSyntax = pc.AbstractSyntax
		a.contexts[pc.ID] = res
		if _, dup := a.byAbstract[pc.AbstractSyntax]; !dup {
			a.byAbstract[pc.AbstractSyntax] = pc.ID
		}
	}
	if len(a.contexts) == 0 {
		a.Abort(AbortSourceServiceUser, AbortReasonNotSpecified)
		return nil, fmt.Errorf("peer accepted no presentation contexts")
	}

	// Negotiation deadline no longer applies; per-operation deadlines are set
	// by the caller.
	conn.SetDeadline(time.Time{})

	log.Debug().
		Str("addr", cfg.Addr).
		Str("calling_aet", cfg.CallingAET).
		Str("called_aet", cfg.CalledAET).
		Int("accepted_contexts", len(a.contexts)).
		Uint32("max_pdu", peerMaxPDU).
		Msg("Association established")

	return a, nil
}

// NextMessageID allocates a message id for a new operation.
func (a *Assoc) NextMessageID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextMsgID
	a.nextMsgID++
	if a.nextMsgID == 0 {
		a.nextMsgID = 1
	}
	return id
}

// ContextFor returns the accepted presentation context id for an abstract
// syntax.
func (a *Assoc) ContextFor(abstractSyntax string) (byte, error) {
	id, ok := a.byAbstract[abstractSyntax]
	if !ok {
		return 0, fmt.Errorf("no accepted presentation context for %s", abstractSyntax)
	}
	return id, nil
}

// TransferSyntaxFor returns the negotiated transfer syntax for a context id.
func (a *Assoc) TransferSyntaxFor(contextID byte) (string, error) {
	res, ok := a.contexts[contextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not negotiated", contextID)
	}
	return res.TransferSyntax, nil
}

// SetDeadline bounds the next network operations on the association.
func (a *Assoc) SetDeadline(t time.Time) error {
	return a.conn.SetDeadline(t)
}

// Send transmits a DIMSE message on the given presentation context.
func (a *Assoc) Send(contextID byte, msg *Message, dataset []byte) error {
	return WriteMessagePDUs(a.conn, contextID, a.maxPDU, EncodeCommand(msg), dataset)
}

// Receive blocks until the next complete DIMSE message arrives. A peer
// release is answered and surfaced as ErrAssociationReleased; an abort or a
// malformed PDU ends the association.
func (a *Assoc) Receive() (*Assembled, error) {
	for {
		pdu, err := ReadPDU(a.conn)
		if err != nil {
			return nil, fmt.Errorf("read pdu: %w", err)
		}

		switch pdu.Type {
		case PDUTypePDataTF:
			pdvs, err := ParsePDataTF(pdu.Data)
			if err != nil {
				a.Abort(AbortSourceServiceUser, AbortReasonUnexpectedPDU)
				return nil, fmt.Errorf("malformed p-data: %w", err)
			}
			for _, pdv := range pdvs {
				complete, err := a.asm.Add(pdv)
				if err != nil {
					a.Abort(AbortSourceServiceUser, AbortReasonUnexpectedPDU)
					return nil, err
				}
				if complete != nil {
					return complete, nil
				}
			}
		case PDUTypeReleaseRQ:
			WriteReleaseRSP(a.conn)
			a.close()
			return nil, ErrAssociationReleased
		case PDUTypeAbort:
			a.close()
			return nil, ParseAbort(pdu.Data)
		default:
			a.Abort(AbortSourceServiceUser, AbortReasonUnexpectedPDU)
			return nil, fmt.Errorf("unexpected pdu type 0x%02x", pdu.Type)
		}
	}
}

// Release performs the orderly release handshake and closes the connection.
func (a *Assoc) Release() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := WriteReleaseRQ(a.conn); err != nil {
		a.close()
		return err
	}
	// Drain until the release response; some peers flush pending P-DATA first.
	for {
		pdu, err := ReadPDU(a.conn)
		if err != nil {
			a.close()
			return err
		}
		if pdu.Type == PDUTypeReleaseRSP {
			break
		}
		if pdu.Type == PDUTypeAbort {
			break
		}
	}
	return a.close()
}

// Abort sends an A-ABORT and closes the connection.
func (a *Assoc) Abort(source, reason byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.conn.SetDeadline(time.Now().Add(2 * time.Second))
	WriteAbort(a.conn, source, reason)
	return a.close()
}

// Close tears the connection down without the release handshake.
func (a *Assoc) Close() error {
	return a.close()
}

func (a *Assoc) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.conn.Close()
}
