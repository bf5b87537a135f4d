package irc

import (
	"encoding/json"
	"time"
)

// MsgType identifies a structured message variant. The numeric values are
// part of the frontend wire format and must never be renumbered; new
// variants get new values.
type MsgType int

const (
	TypePrivMsg  MsgType = 1
	TypeNotice   MsgType = 2
	TypeJoin     MsgType = 3
	TypePart     MsgType = 4
	TypeKick     MsgType = 5
	TypeQuit     MsgType = 6
	TypeMOTD     MsgType = 7
	TypeTopic    MsgType = 8
	TypeNick     MsgType = 9
	TypeNamreply MsgType = 10
	TypeError    MsgType = 11
	TypeRaw      MsgType = 12
)

var msgTypeNames = map[MsgType]string{
	TypePrivMsg:  "privmsg",
	TypeNotice:   "notice",
	TypeJoin:     "join",
	TypePart:     "part",
	TypeKick:     "kick",
	TypeQuit:     "quit",
	TypeMOTD:     "motd",
	TypeTopic:    "topic",
	TypeNick:     "nick",
	TypeNamreply: "namreply",
	TypeError:    "error",
	TypeRaw:      "raw",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Msg is a structured message normalized from the raw IRC stream and
// delivered to frontend subscribers.
type Msg interface {
	Type() MsgType
}

// PrivMsg is a PRIVMSG to a channel or directly to the account's nick.
type PrivMsg struct {
	From *Prefix `json:"from,omitempty"`
	To   string  `json:"to"`
	Text string  `json:"text"`
}

// NoticeMsg is a NOTICE to a channel or directly to the account's nick.
type NoticeMsg struct {
	From *Prefix `json:"from,omitempty"`
	To   string  `json:"to"`
	Text string  `json:"text"`
}

// JoinMsg records a user joining a channel. Who is nil when the join is the
// connection's own.
type JoinMsg struct {
	Channel string  `json:"channel"`
	Who     *Prefix `json:"who,omitempty"`
}

// PartMsg records a user leaving a channel. Who is nil when the part is the
// connection's own.
type PartMsg struct {
	Channel string  `json:"channel"`
	Who     *Prefix `json:"who,omitempty"`
}

// KickMsg records a forced removal from a channel. Reason is nil when the
// kick carried no comment.
type KickMsg struct {
	Channel string  `json:"channel"`
	Nick    string  `json:"nick,omitempty"`
	Reason  *string `json:"reason,omitempty"`
}

// QuitMsg records a user quitting the network. Reason is nil when the quit
// carried no comment.
type QuitMsg struct {
	Who    *Prefix `json:"who,omitempty"`
	Reason *string `json:"reason,omitempty"`
}

// MOTDMsg is one line of the server's message of the day.
type MOTDMsg struct {
	Line string `json:"line"`
}

// TopicMsg records a channel topic. Topic is nil when the server reported
// that no topic is set.
type TopicMsg struct {
	Channel string  `json:"channel"`
	Topic   *string `json:"topic,omitempty"`
}

// NickMsg records a nickname change.
type NickMsg struct {
	Who     *Prefix `json:"who,omitempty"`
	NewNick string  `json:"new_nick"`
}

// Userflag is a channel membership flag parsed from a NAMES reply prefix.
type Userflag string

const (
	FlagOwner    Userflag = "~"
	FlagAdmin    Userflag = "&"
	FlagOperator Userflag = "@"
	FlagHalfop   Userflag = "%"
	FlagVoice    Userflag = "+"
)

// ParseUserflag splits a NAMES entry into its membership flag (if any) and
// the bare nickname.
func ParseUserflag(entry string) (Userflag, string) {
	if entry == "" {
		return "", entry
	}
	switch Userflag(entry[:1]) {
	case FlagOwner, FlagAdmin, FlagOperator, FlagHalfop, FlagVoice:
		return Userflag(entry[:1]), entry[1:]
	}
	return "", entry
}

// NamreplyName is one occupant in a NAMES reply.
type NamreplyName struct {
	Nick string   `json:"nick"`
	Flag Userflag `json:"flag,omitempty"`
}

// NamreplyMsg is the occupant list of a channel from a 353 reply.
type NamreplyMsg struct {
	Channel string         `json:"channel"`
	Names   []NamreplyName `json:"names"`
}

// ErrorMsg surfaces a protocol-level error reply (nick collision and
// friends) to subscribers.
type ErrorMsg struct {
	Code string `json:"code"`
}

// RawMsg preserves a message the gateway does not interpret structurally.
// No inbound line is ever dropped; everything unhandled lands here.
type RawMsg struct {
	Prefix   *Prefix  `json:"prefix,omitempty"`
	Command  string   `json:"command"`
	Params   []string `json:"params,omitempty"`
	Trailing string   `json:"trailing,omitempty"`
}

func (PrivMsg) Type() MsgType     { return TypePrivMsg }
func (NoticeMsg) Type() MsgType   { return TypeNotice }
func (JoinMsg) Type() MsgType     { return TypeJoin }
func (PartMsg) Type() MsgType     { return TypePart }
func (KickMsg) Type() MsgType     { return TypeKick }
func (QuitMsg) Type() MsgType     { return TypeQuit }
func (MOTDMsg) Type() MsgType     { return TypeMOTD }
func (TopicMsg) Type() MsgType    { return TypeTopic }
func (NickMsg) Type() MsgType     { return TypeNick }
func (NamreplyMsg) Type() MsgType { return TypeNamreply }
func (ErrorMsg) Type() MsgType    { return TypeError }
func (RawMsg) Type() MsgType      { return TypeRaw }

// Envelope is the serialized form handed to frontends: the numeric type
// tag, receive time, and the variant payload.
type Envelope struct {
	Type MsgType   `json:"type"`
	Time time.Time `json:"time"`
	Msg  Msg       `json:"msg"`
}

// MarshalEnvelope serializes one delivered message for frontend consumption.
func MarshalEnvelope(ts time.Time, msg Msg) ([]byte, error) {
	return json.Marshal(Envelope{Type: msg.Type(), Time: ts, Msg: msg})
}

func (p *Prefix) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Nick string `json:"nick"`
		User string `json:"user,omitempty"`
		Host string `json:"host,omitempty"`
	}{p.Name, p.User, p.Host})
}

func (p *Prefix) UnmarshalJSON(data []byte) error {
	var raw struct {
		Nick string `json:"nick"`
		User string `json:"user,omitempty"`
		Host string `json:"host,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Name, p.User, p.Host = raw.Nick, raw.User, raw.Host
	return nil
}
