// Package sinktest provides an in-memory Sink that records every call.
package sinktest

import (
	"context"
	"sync"
	"time"

	"guildwarden/internal/model"
	"guildwarden/internal/sink"
)

type Call struct {
	Op        string
	GuildID   string
	ChannelID string
	UserID    string
	Target    string
	Text      string
	Until     time.Time
	Record    sink.LogRecord
	Announce  sink.Announcement
}

// Recorder captures calls in order. Fail maps an op name to the error it returns.
// Roles seeds MemberRoles answers keyed by guildID+"/"+userID; GrantRole updates it.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	Fail  map[string]error
	Roles map[string]model.IDSet
}

var _ sink.Sink = (*Recorder)(nil)

func New() *Recorder {
	return &Recorder{Fail: make(map[string]error), Roles: make(map[string]model.IDSet)}
}

func (r *Recorder) record(call Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.Fail[call.Op]
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Ops returns the op names of every recorded call.
func (r *Recorder) Ops() []string {
	calls := r.Calls()
	ops := make([]string, 0, len(calls))
	for _, call := range calls {
		ops = append(ops, call.Op)
	}
	return ops
}

// Count returns how many calls used op.
func (r *Recorder) Count(op string) int {
	n := 0
	for _, call := range r.Calls() {
		if call.Op == op {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *Recorder) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return r.record(Call{Op: "delete", ChannelID: channelID, Target: messageID})
}

func (r *Recorder) SendDirectNotice(ctx context.Context, userID, text string) error {
	return r.record(Call{Op: "dm", UserID: userID, Text: text})
}

func (r *Recorder) PostLogRecord(ctx context.Context, channelID string, record sink.LogRecord) error {
	return r.record(Call{Op: "log", ChannelID: channelID, GuildID: record.GuildID, UserID: record.UserID, Record: record})
}

func (r *Recorder) ApplyTimeout(ctx context.Context, guildID, userID string, until time.Time, reason string) error {
	return r.record(Call{Op: "timeout", GuildID: guildID, UserID: userID, Until: until, Text: reason})
}

func (r *Recorder) GrantRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	err := r.record(Call{Op: "grant", GuildID: guildID, UserID: userID, Target: roleID, Text: reason})
	if err == nil {
		r.mu.Lock()
		key := guildID + "/" + userID
		roles := r.Roles[key]
		roles.Add(roleID)
		r.Roles[key] = roles
		r.mu.Unlock()
	}
	return err
}

func (r *Recorder) Announce(ctx context.Context, announcement sink.Announcement) error {
	return r.record(Call{Op: "announce", GuildID: announcement.GuildID, ChannelID: announcement.ChannelID, UserID: announcement.UserID, Text: announcement.Text, Announce: announcement})
}

func (r *Recorder) RemoveTimeout(ctx context.Context, guildID, userID, reason string) error {
	return r.record(Call{Op: "untimeout", GuildID: guildID, UserID: userID, Text: reason})
}

func (r *Recorder) Ban(ctx context.Context, guildID, userID, reason string) error {
	return r.record(Call{Op: "ban", GuildID: guildID, UserID: userID, Text: reason})
}

func (r *Recorder) Kick(ctx context.Context, guildID, userID, reason string) error {
	return r.record(Call{Op: "kick", GuildID: guildID, UserID: userID, Text: reason})
}

func (r *Recorder) Unban(ctx context.Context, guildID, userID, reason string) error {
	return r.record(Call{Op: "unban", GuildID: guildID, UserID: userID, Text: reason})
}

func (r *Recorder) MemberRoles(ctx context.Context, guildID, userID string) (model.IDSet, error) {
	r.mu.Lock()
	err := r.Fail["roles"]
	roles := r.Roles[guildID+"/"+userID]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return model.NewIDSet(roles.Sorted()...), nil
}
