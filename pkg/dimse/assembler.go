package dimse

import "fmt"

// Assembled is a complete DIMSE message: the decoded command set and the
// reassembled dataset bytes, if the command announced one.
type Assembled struct {
	ContextID byte
	Command   *Message
	Dataset   []byte
}

// Assembler reassembles the command/dataset PDV stream of one association
// into complete messages. DIMSE interleaves at most one message at a time on
// an association, so a single pending state suffices; a context id change
// mid-message is a protocol error.
type Assembler struct {
	contextID byte
	command   []byte
	dataset   []byte
	msg       *Message
}

// Add feeds one PDV. It returns a non-nil Assembled when the PDV completes a
// message.
func (a *Assembler) Add(p PDV) (*Assembled, error) {
	if a.msg == nil && a.command == nil {
		a.contextID = p.ContextID
	} else if p.ContextID != a.contextID {
		return nil, fmt.Errorf("pdv context id %d interleaved with pending message on context %d", p.ContextID, a.contextID)
	}

	if p.Command {
		if a.msg != nil {
			return nil, fmt.Errorf("command pdv received while awaiting dataset")
		}
		a.command = append(a.command, p.Data...)
		if !p.Last {
			return nil, nil
		}
		msg, err := DecodeCommand(a.command)
		if err != nil {
			return nil, fmt.Errorf("decode command set: %w", err)
		}
		a.command = nil
		if !msg.HasDataSet() {
			out := &Assembled{ContextID: a.contextID, Command: msg}
			a.reset()
			return out, nil
		}
		a.msg = msg
		return nil, nil
	}

	if a.msg == nil {
		return nil, fmt.Errorf("dataset pdv received without a command set")
	}
	a.dataset = append(a.dataset, p.Data...)
	if !p.Last {
		return nil, nil
	}
	out := &Assembled{ContextID: a.contextID, Command: a.msg, Dataset: a.dataset}
	a.reset()
	return out, nil
}

func (a *Assembler) reset() {
	a.command = nil
	a.dataset = nil
	a.msg = nil
}
