package grpcraft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hongwei-wu/zraft/internal/raft"
)

func TestCodecRoundTrip(t *testing.T) {
	var conf raft.Configuration
	require.NoError(t, conf.Add(1, raft.RoleVoter, raft.RoleVoter, raft.GroupOld))
	require.NoError(t, conf.Add(2, raft.RoleStandby, raft.RoleStandby, raft.GroupOld))

	appendEntries := &raft.AppendEntries{
		PrevLogIndex: 7,
		PrevLogTerm:  2,
		Entries: []raft.Entry{
			{Term: 3, Type: raft.EntryCommand, Data: []byte("payload")},
			{Term: 3, Type: raft.EntryBarrier},
			{Term: 3, Type: raft.EntryChange, Data: conf.Encode()},
		},
		LeaderCommit: 6,
		Permit:       raft.PermitInfo{Permit: true, Replicating: raft.PgrepRoundOngoing, Time: 42},
	}
	appendEntries.From, appendEntries.To, appendEntries.Term = 1, 2, 3

	appendResult := &raft.AppendEntriesResult{
		Rejected:     4,
		LastLogIndex: 9,
		Permit:       raft.PermitInfo{Replicating: raft.PgrepRoundError},
	}
	appendResult.From, appendResult.To, appendResult.Term = 2, 1, 3

	requestVote := &raft.RequestVote{
		Candidate:     2,
		LastLogIndex:  11,
		LastLogTerm:   4,
		PreVote:       true,
		DisruptLeader: true,
	}
	requestVote.From, requestVote.To, requestVote.Term = 2, 3, 5

	voteResult := &raft.RequestVoteResult{VoteGranted: true, PreVote: true}
	voteResult.From, voteResult.To, voteResult.Term = 3, 2, 5

	installSnapshot := &raft.InstallSnapshot{
		LastIndex:          100,
		LastTerm:           6,
		Configuration:      conf,
		ConfigurationIndex: 90,
		Data:               []byte("snapshot-bytes"),
	}
	installSnapshot.From, installSnapshot.To, installSnapshot.Term = 1, 2, 6

	timeoutNow := &raft.TimeoutNow{}
	timeoutNow.From, timeoutNow.To, timeoutNow.Term = 1, 2, 6

	msgs := []raft.Message{
		appendEntries,
		appendResult,
		requestVote,
		voteResult,
		installSnapshot,
		timeoutNow,
	}

	for _, msg := range msgs {
		data, err := Marshal(msg)
		require.NoError(t, err)

		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, msg, decoded)
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)

	_, err = Unmarshal(nil)
	require.Error(t, err, "empty envelope has no message type")
}
