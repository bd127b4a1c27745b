package raft

import "encoding/binary"

// Server describes one member of a configuration. Role is the server's
// function in the Old group, RoleNew its function in the New group; outside
// the Joint phase the two are equal and Groups is GroupOld.
type Server struct {
	ID      ID
	Role    Role
	RoleNew Role
	Groups  Group
}

// Configuration is the set of servers that participate in the cluster,
// together with the membership-change phase.
//
// The servers are kept in a flat slice: n is small (typically at most 9) and
// lookups dominate mutations.
type Configuration struct {
	Servers []Server
	Phase   Phase
}

// Add appends a server with the given attributes. It fails with
// ErrDuplicateID if a server with the same id exists and ErrBadRole if
// either role is invalid.
func (c *Configuration) Add(id ID, role, roleNew Role, groups Group) error {
	if id == 0 {
		return ErrBadID
	}
	if !validRole(role) || !validRole(roleNew) {
		return ErrBadRole
	}
	if c.IndexOf(id) < len(c.Servers) {
		return ErrDuplicateID
	}
	c.Servers = append(c.Servers, Server{ID: id, Role: role, RoleNew: roleNew, Groups: groups})
	return nil
}

// Remove deletes the server with the given id, preserving the relative order
// of the survivors. It fails with ErrBadID if the id is absent.
func (c *Configuration) Remove(id ID) error {
	i := c.IndexOf(id)
	if i == len(c.Servers) {
		return ErrBadID
	}
	servers := make([]Server, 0, len(c.Servers)-1)
	servers = append(servers, c.Servers[:i]...)
	servers = append(servers, c.Servers[i+1:]...)
	c.Servers = servers
	return nil
}

// Copy returns a deep copy.
func (c *Configuration) Copy() Configuration {
	out := Configuration{Phase: c.Phase}
	if len(c.Servers) > 0 {
		out.Servers = append([]Server(nil), c.Servers...)
	}
	return out
}

// IndexOf returns the position of the server with the given id, or
// len(c.Servers) if absent.
func (c *Configuration) IndexOf(id ID) int {
	for i := range c.Servers {
		if c.Servers[i].ID == id {
			return i
		}
	}
	return len(c.Servers)
}

// Get returns the server with the given id, or nil.
func (c *Configuration) Get(id ID) *Server {
	i := c.IndexOf(id)
	if i == len(c.Servers) {
		return nil
	}
	return &c.Servers[i]
}

// roleIn projects the server's role onto the requested group. A server that
// is not a member of the group has no role there.
func roleIn(s *Server, group Group) (Role, bool) {
	switch group {
	case GroupOld:
		if s.Groups&GroupOld == 0 {
			return 0, false
		}
		return s.Role, true
	case GroupNew:
		if s.Groups&GroupNew == 0 {
			return 0, false
		}
		return s.RoleNew, true
	default:
		if s.Groups&GroupOld != 0 && s.Role == RoleVoter {
			return RoleVoter, true
		}
		if s.Groups&GroupNew != 0 {
			return s.RoleNew, true
		}
		return s.Role, true
	}
}

// IsVoter reports whether the server votes in the requested group.
func (c *Configuration) IsVoter(s *Server, group Group) bool {
	role, ok := roleIn(s, group)
	return ok && role == RoleVoter
}

// IsSpare reports whether the server is a spare in the requested group.
func (c *Configuration) IsSpare(s *Server, group Group) bool {
	role, ok := roleIn(s, group)
	return ok && role == RoleSpare
}

// VoterCount returns the number of servers that vote in the requested group.
func (c *Configuration) VoterCount(group Group) int {
	n := 0
	for i := range c.Servers {
		if c.IsVoter(&c.Servers[i], group) {
			n++
		}
	}
	return n
}

// IndexOfVoter returns the position of the server with the given id relative
// to the other voters, or the total voter count if the server is absent or
// does not vote.
func (c *Configuration) IndexOfVoter(id ID, group Group) int {
	j := 0
	for i := range c.Servers {
		if !c.IsVoter(&c.Servers[i], group) {
			continue
		}
		if c.Servers[i].ID == id {
			return j
		}
		j++
	}
	return c.VoterCount(group)
}

// JointToNormal produces the Normal-phase configuration that results from
// committing the side of a joint configuration selected by keep: only
// servers whose group bits include keep survive, with Role set from RoleNew.
func (c *Configuration) JointToNormal(keep Group) Configuration {
	out := Configuration{Phase: PhaseNormal}
	for i := range c.Servers {
		s := c.Servers[i]
		if s.Groups&keep == 0 {
			continue
		}
		role := s.Role
		if keep == GroupNew {
			role = s.RoleNew
		}
		out.Servers = append(out.Servers, Server{
			ID:      s.ID,
			Role:    role,
			RoleNew: role,
			Groups:  GroupOld,
		})
	}
	return out
}

// EnterJoint turns the configuration into the Joint phase: every server
// becomes a member of both groups with RoleNew set to its current Role.
func (c *Configuration) EnterJoint() {
	c.Phase = PhaseJoint
	for i := range c.Servers {
		c.Servers[i].Groups = GroupOld | GroupNew
		c.Servers[i].RoleNew = c.Servers[i].Role
	}
}

// JointRemove confines the server with the given id to the Old group, so the
// committed New configuration will not contain it.
func (c *Configuration) JointRemove(id ID) {
	if s := c.Get(id); s != nil {
		s.Groups = GroupOld
	}
}

// Wire format constants. The encoding is fixed by on-disk compatibility: a
// version byte, a little-endian server count, the legacy per-server records,
// then an optional 256-byte meta block followed by extended per-server
// records, the whole blob padded to a multiple of 8 bytes.
const (
	configEncodeVersion = 1
	configMetaVersion   = 1
	configServerVersion = 1
	configServerSize    = 11
	configMetaBlockSize = 256
)

func configPad8(n int) int {
	if n%8 == 0 {
		return n
	}
	return n + 8 - n%8
}

// Encode serializes the configuration into the fixed wire format.
func (c *Configuration) Encode() []byte {
	n := len(c.Servers)
	size := 1 + 8 + n*9 + configMetaBlockSize + n*configServerSize
	buf := make([]byte, configPad8(size))

	buf[0] = configEncodeVersion
	binary.LittleEndian.PutUint64(buf[1:], uint64(n))
	off := 9
	for i := range c.Servers {
		binary.LittleEndian.PutUint64(buf[off:], uint64(c.Servers[i].ID))
		buf[off+8] = byte(c.Servers[i].Role)
		off += 9
	}

	binary.LittleEndian.PutUint32(buf[off:], configMetaVersion)
	binary.LittleEndian.PutUint32(buf[off+4:], configServerVersion)
	binary.LittleEndian.PutUint32(buf[off+8:], configServerSize)
	buf[off+12] = byte(c.Phase)
	off += configMetaBlockSize

	for i := range c.Servers {
		binary.LittleEndian.PutUint64(buf[off:], uint64(c.Servers[i].ID))
		buf[off+8] = byte(c.Servers[i].Role)
		buf[off+9] = byte(c.Servers[i].RoleNew)
		buf[off+10] = byte(c.Servers[i].Groups)
		off += configServerSize
	}

	return buf
}

// DecodeConfiguration parses a configuration blob. The legacy form (no meta
// block, no extended records) is accepted by defaulting RoleNew to Role, the
// group to Old, and the phase to Normal.
func DecodeConfiguration(buf []byte) (Configuration, error) {
	var c Configuration

	if len(buf) < 9 {
		return c, ErrMalformed
	}
	if buf[0] != configEncodeVersion {
		return c, ErrMalformed
	}
	n := binary.LittleEndian.Uint64(buf[1:])
	off := 9
	if uint64(len(buf)-off)/9 < n {
		return c, ErrMalformed
	}

	if n > 0 {
		c.Servers = make([]Server, 0, n)
	}
	for i := uint64(0); i < n; i++ {
		id := ID(binary.LittleEndian.Uint64(buf[off:]))
		role := Role(buf[off+8])
		off += 9
		if id == 0 || !validRole(role) {
			return Configuration{}, ErrMalformed
		}
		c.Servers = append(c.Servers, Server{ID: id, Role: role, RoleNew: role, Groups: GroupOld})
	}

	// Anything shorter than a meta block past this point is padding from the
	// legacy encoder.
	if len(buf)-off < configMetaBlockSize {
		return c, nil
	}

	if binary.LittleEndian.Uint32(buf[off:]) != configMetaVersion ||
		binary.LittleEndian.Uint32(buf[off+4:]) != configServerVersion ||
		binary.LittleEndian.Uint32(buf[off+8:]) != configServerSize {
		return Configuration{}, ErrMalformed
	}
	phase := Phase(buf[off+12])
	if phase != PhaseNormal && phase != PhaseJoint {
		return Configuration{}, ErrMalformed
	}
	c.Phase = phase
	off += configMetaBlockSize

	if uint64(len(buf)-off)/configServerSize < n {
		return Configuration{}, ErrMalformed
	}
	for i := uint64(0); i < n; i++ {
		id := ID(binary.LittleEndian.Uint64(buf[off:]))
		role := Role(buf[off+8])
		roleNew := Role(buf[off+9])
		groups := Group(buf[off+10])
		off += configServerSize
		if c.Servers[i].ID != id || !validRole(role) || !validRole(roleNew) {
			return Configuration{}, ErrMalformed
		}
		if groups&GroupAny == 0 {
			return Configuration{}, ErrMalformed
		}
		c.Servers[i].Role = role
		c.Servers[i].RoleNew = roleNew
		c.Servers[i].Groups = groups
	}

	return c, nil
}
