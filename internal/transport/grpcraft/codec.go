// Package grpcraft carries Raft RPC envelopes between peers over gRPC.
//
// The service is a single fire-and-forget Deliver method. Envelopes are
// encoded with the protobuf wire format directly (protowire); there is no
// generated schema because the payload set is small and owned entirely by
// this package.
package grpcraft

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hongwei-wu/zraft/internal/raft"
)

// Envelope field numbers.
const (
	fieldMsgType = 1
	fieldFrom    = 2
	fieldTo      = 3
	fieldTerm    = 4
	fieldBody    = 5
)

// Message type tags on the wire.
const (
	wireAppendEntries = iota + 1
	wireAppendEntriesResult
	wireRequestVote
	wireRequestVoteResult
	wireInstallSnapshot
	wireTimeoutNow
)

// Marshal encodes a core message into its wire envelope.
func Marshal(msg raft.Message) ([]byte, error) {
	var typ uint64
	var body []byte

	switch m := msg.(type) {
	case *raft.AppendEntries:
		typ = wireAppendEntries
		body = appendEntriesBody(m)
	case *raft.AppendEntriesResult:
		typ = wireAppendEntriesResult
		body = appendEntriesResultBody(m)
	case *raft.RequestVote:
		typ = wireRequestVote
		body = requestVoteBody(m)
	case *raft.RequestVoteResult:
		typ = wireRequestVoteResult
		body = requestVoteResultBody(m)
	case *raft.InstallSnapshot:
		typ = wireInstallSnapshot
		body = installSnapshotBody(m)
	case *raft.TimeoutNow:
		typ = wireTimeoutNow
	default:
		return nil, fmt.Errorf("grpcraft: unsupported message type %T", msg)
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldMsgType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, typ)
	buf = protowire.AppendTag(buf, fieldFrom, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(msg.Src()))
	buf = protowire.AppendTag(buf, fieldTo, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(msg.Dst()))
	buf = protowire.AppendTag(buf, fieldTerm, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(msg.MsgTerm()))
	if body != nil {
		buf = protowire.AppendTag(buf, fieldBody, protowire.BytesType)
		buf = protowire.AppendBytes(buf, body)
	}
	return buf, nil
}

func appendVarintField(buf []byte, field protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, field, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendBytesField(buf []byte, field protowire.Number, v []byte) []byte {
	buf = protowire.AppendTag(buf, field, protowire.BytesType)
	return protowire.AppendBytes(buf, v)
}

func appendBoolField(buf []byte, field protowire.Number, v bool) []byte {
	var u uint64
	if v {
		u = 1
	}
	return appendVarintField(buf, field, u)
}

func permitBody(pi *raft.PermitInfo) []byte {
	var buf []byte
	buf = appendBoolField(buf, 1, pi.Permit)
	buf = appendVarintField(buf, 2, uint64(pi.Replicating))
	buf = appendVarintField(buf, 3, uint64(pi.Time))
	return buf
}

func entryBody(e *raft.Entry) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(e.Term))
	buf = appendVarintField(buf, 2, uint64(e.Type))
	buf = appendBytesField(buf, 3, e.Data)
	return buf
}

func appendEntriesBody(m *raft.AppendEntries) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(m.PrevLogIndex))
	buf = appendVarintField(buf, 2, uint64(m.PrevLogTerm))
	buf = appendVarintField(buf, 3, uint64(m.LeaderCommit))
	buf = appendBytesField(buf, 4, permitBody(&m.Permit))
	for i := range m.Entries {
		buf = appendBytesField(buf, 5, entryBody(&m.Entries[i]))
	}
	return buf
}

func appendEntriesResultBody(m *raft.AppendEntriesResult) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(m.Rejected))
	buf = appendVarintField(buf, 2, uint64(m.LastLogIndex))
	buf = appendBytesField(buf, 3, permitBody(&m.Permit))
	return buf
}

func requestVoteBody(m *raft.RequestVote) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(m.Candidate))
	buf = appendVarintField(buf, 2, uint64(m.LastLogIndex))
	buf = appendVarintField(buf, 3, uint64(m.LastLogTerm))
	buf = appendBoolField(buf, 4, m.PreVote)
	buf = appendBoolField(buf, 5, m.DisruptLeader)
	return buf
}

func requestVoteResultBody(m *raft.RequestVoteResult) []byte {
	var buf []byte
	buf = appendBoolField(buf, 1, m.VoteGranted)
	buf = appendBoolField(buf, 2, m.PreVote)
	return buf
}

func installSnapshotBody(m *raft.InstallSnapshot) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(m.LastIndex))
	buf = appendVarintField(buf, 2, uint64(m.LastTerm))
	buf = appendVarintField(buf, 3, uint64(m.ConfigurationIndex))
	buf = appendBytesField(buf, 4, m.Configuration.Encode())
	buf = appendBytesField(buf, 5, m.Data)
	return buf
}

// fieldScanner iterates the (number, type, value) triples of one message.
type fieldScanner struct {
	buf []byte
	err error
}

func (s *fieldScanner) next() (protowire.Number, protowire.Type, bool) {
	if s.err != nil || len(s.buf) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0, 0, false
	}
	s.buf = s.buf[n:]
	return num, typ, true
}

func (s *fieldScanner) varint() uint64 {
	v, n := protowire.ConsumeVarint(s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0
	}
	s.buf = s.buf[n:]
	return v
}

func (s *fieldScanner) bytes() []byte {
	v, n := protowire.ConsumeBytes(s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return nil
	}
	s.buf = s.buf[n:]
	return v
}

func (s *fieldScanner) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return
	}
	s.buf = s.buf[n:]
}

// Unmarshal decodes a wire envelope back into a core message.
func Unmarshal(buf []byte) (raft.Message, error) {
	var typ uint64
	var from, to, term uint64
	var body []byte

	s := &fieldScanner{buf: buf}
	for {
		num, wtyp, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case fieldMsgType:
			typ = s.varint()
		case fieldFrom:
			from = s.varint()
		case fieldTo:
			to = s.varint()
		case fieldTerm:
			term = s.varint()
		case fieldBody:
			body = s.bytes()
		default:
			s.skip(num, wtyp)
		}
	}
	if s.err != nil {
		return nil, s.err
	}

	switch typ {
	case wireAppendEntries:
		m := &raft.AppendEntries{}
		m.From, m.To, m.Term = raft.ID(from), raft.ID(to), raft.Term(term)
		return m, parseAppendEntries(m, body)
	case wireAppendEntriesResult:
		m := &raft.AppendEntriesResult{}
		m.From, m.To, m.Term = raft.ID(from), raft.ID(to), raft.Term(term)
		return m, parseAppendEntriesResult(m, body)
	case wireRequestVote:
		m := &raft.RequestVote{}
		m.From, m.To, m.Term = raft.ID(from), raft.ID(to), raft.Term(term)
		return m, parseRequestVote(m, body)
	case wireRequestVoteResult:
		m := &raft.RequestVoteResult{}
		m.From, m.To, m.Term = raft.ID(from), raft.ID(to), raft.Term(term)
		return m, parseRequestVoteResult(m, body)
	case wireInstallSnapshot:
		m := &raft.InstallSnapshot{}
		m.From, m.To, m.Term = raft.ID(from), raft.ID(to), raft.Term(term)
		return m, parseInstallSnapshot(m, body)
	case wireTimeoutNow:
		m := &raft.TimeoutNow{}
		m.From, m.To, m.Term = raft.ID(from), raft.ID(to), raft.Term(term)
		return m, nil
	}
	return nil, fmt.Errorf("grpcraft: unknown message type %d", typ)
}

func parsePermit(pi *raft.PermitInfo, body []byte) error {
	s := &fieldScanner{buf: body}
	for {
		num, wtyp, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			pi.Permit = s.varint() != 0
		case 2:
			pi.Replicating = raft.PgrepRound(s.varint())
		case 3:
			pi.Time = int64(s.varint())
		default:
			s.skip(num, wtyp)
		}
	}
	return s.err
}

func parseEntry(e *raft.Entry, body []byte) error {
	s := &fieldScanner{buf: body}
	for {
		num, wtyp, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			e.Term = raft.Term(s.varint())
		case 2:
			e.Type = raft.EntryType(s.varint())
		case 3:
			e.Data = append([]byte(nil), s.bytes()...)
		default:
			s.skip(num, wtyp)
		}
	}
	return s.err
}

func parseAppendEntries(m *raft.AppendEntries, body []byte) error {
	s := &fieldScanner{buf: body}
	for {
		num, wtyp, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.PrevLogIndex = raft.Index(s.varint())
		case 2:
			m.PrevLogTerm = raft.Term(s.varint())
		case 3:
			m.LeaderCommit = raft.Index(s.varint())
		case 4:
			if err := parsePermit(&m.Permit, s.bytes()); err != nil {
				return err
			}
		case 5:
			var e raft.Entry
			if err := parseEntry(&e, s.bytes()); err != nil {
				return err
			}
			m.Entries = append(m.Entries, e)
		default:
			s.skip(num, wtyp)
		}
	}
	return s.err
}

func parseAppendEntriesResult(m *raft.AppendEntriesResult, body []byte) error {
	s := &fieldScanner{buf: body}
	for {
		num, wtyp, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Rejected = raft.Index(s.varint())
		case 2:
			m.LastLogIndex = raft.Index(s.varint())
		case 3:
			if err := parsePermit(&m.Permit, s.bytes()); err != nil {
				return err
			}
		default:
			s.skip(num, wtyp)
		}
	}
	return s.err
}

func parseRequestVote(m *raft.RequestVote, body []byte) error {
	s := &fieldScanner{buf: body}
	for {
		num, wtyp, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Candidate = raft.ID(s.varint())
		case 2:
			m.LastLogIndex = raft.Index(s.varint())
		case 3:
			m.LastLogTerm = raft.Term(s.varint())
		case 4:
			m.PreVote = s.varint() != 0
		case 5:
			m.DisruptLeader = s.varint() != 0
		default:
			s.skip(num, wtyp)
		}
	}
	return s.err
}

func parseRequestVoteResult(m *raft.RequestVoteResult, body []byte) error {
	s := &fieldScanner{buf: body}
	for {
		num, wtyp, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.VoteGranted = s.varint() != 0
		case 2:
			m.PreVote = s.varint() != 0
		default:
			s.skip(num, wtyp)
		}
	}
	return s.err
}

func parseInstallSnapshot(m *raft.InstallSnapshot, body []byte) error {
	s := &fieldScanner{buf: body}
	for {
		num, wtyp, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.LastIndex = raft.Index(s.varint())
		case 2:
			m.LastTerm = raft.Term(s.varint())
		case 3:
			m.ConfigurationIndex = raft.Index(s.varint())
		case 4:
			c, err := raft.DecodeConfiguration(append([]byte(nil), s.bytes()...))
			if err != nil {
				return err
			}
			m.Configuration = c
		case 5:
			m.Data = append([]byte(nil), s.bytes()...)
		default:
			s.skip(num, wtyp)
		}
	}
	return s.err
}
