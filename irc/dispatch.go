package irc

import (
	"log"
	"strings"
)

// Result is the outcome of dispatching one inbound message. It is either a
// Done carrying the side effects to apply, or a continuation requesting a
// piece of connection state. The continuations keep Dispatch itself pure:
// the runtime resolves them against the live nick/identity cells at the
// moment of dispatch.
type Result interface {
	isResult()
}

// Done carries everything the runtime must do for one inbound message:
// messages to send back, structured messages to enqueue, and an optional
// quit reason that tears the connection down.
type Done struct {
	Send []*Message
	Add  []Msg
	Quit *string
}

// NeedNick requests the connection's current nickname.
type NeedNick struct {
	Fn func(nick string) Result
}

// NeedIdentity requests the connection's registration identity.
type NeedIdentity struct {
	Fn func(identity Identity) Result
}

func (Done) isResult()         {}
func (NeedNick) isResult()     {}
func (NeedIdentity) isResult() {}

// ResolveResult runs a Result's continuations to completion against the
// given state. Pure; used directly by tests and by the hub via
// Conn.resolve.
func ResolveResult(r Result, identity Identity, nick string) Done {
	for {
		switch v := r.(type) {
		case Done:
			return v
		case NeedNick:
			r = v.Fn(nick)
		case NeedIdentity:
			r = v.Fn(identity)
		default:
			return Done{}
		}
	}
}

func (c *Conn) resolve(r Result) Done {
	return ResolveResult(r, c.Identity(), c.Nick())
}

func quitReason(reason string) *string {
	return &reason
}

// raw preserves a message the dispatcher does not interpret.
func raw(msg *Message) Done {
	return Done{Add: []Msg{RawMsg{
		Prefix:   msg.Prefix,
		Command:  msg.Command,
		Params:   msg.Params,
		Trailing: msg.Trailing,
	}}}
}

// optComment maps an IRC comment to nil when absent or empty.
func optComment(msg *Message) *string {
	if !msg.HasTrailing || msg.Trailing == "" {
		return nil
	}
	comment := msg.Trailing
	return &comment
}

func param(msg *Message, i int) string {
	if i >= 0 && i < len(msg.Params) {
		return msg.Params[i]
	}
	return ""
}

// Dispatch maps one parsed message to its structural interpretation. It
// reads no connection state; "is this me" questions are expressed as
// continuations. A panic anywhere in dispatch is recovered and yields an
// empty Done so a malformed message can never take the connection down.
func Dispatch(msg *Message) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] recovered from %v on %q", r, msg.String())
			result = Done{}
		}
	}()

	switch msg.Command {
	case "PING":
		token := msg.Trailing
		if !msg.HasTrailing && len(msg.Params) > 0 {
			token = msg.Params[0]
		}
		return Done{Send: []*Message{CmdTrailing("PONG", token)}}

	case "JOIN":
		if msg.Prefix == nil {
			return raw(msg)
		}
		// Some servers put the channel list in the first parameter
		// instead of the trailing.
		list := msg.Trailing
		if !msg.HasTrailing {
			list = param(msg, 0)
		}
		if list == "" {
			return raw(msg)
		}
		who := msg.Prefix
		return NeedNick{Fn: func(nick string) Result {
			var add []Msg
			for _, channel := range strings.Split(list, ",") {
				join := JoinMsg{Channel: channel, Who: who}
				if who.Name == nick {
					join.Who = nil
				}
				add = append(add, join)
			}
			return Done{Add: add}
		}}

	case "PART":
		if msg.Prefix == nil {
			return raw(msg)
		}
		channel := param(msg, 0)
		if channel == "" {
			channel = msg.Trailing
		}
		who := msg.Prefix
		return NeedNick{Fn: func(nick string) Result {
			part := PartMsg{Channel: channel, Who: who}
			if who.Name == nick {
				part.Who = nil
			}
			return Done{Add: []Msg{part}}
		}}

	case "QUIT":
		if msg.Prefix == nil {
			return raw(msg)
		}
		who := msg.Prefix
		reason := optComment(msg)
		return NeedNick{Fn: func(nick string) Result {
			quit := QuitMsg{Who: who, Reason: reason}
			if who.Name == nick {
				quit.Who = nil
			}
			return Done{Add: []Msg{quit}}
		}}

	case "KICK":
		return Done{Add: []Msg{KickMsg{
			Channel: param(msg, 0),
			Nick:    param(msg, 1),
			Reason:  optComment(msg),
		}}}

	case "KILL":
		return Done{Quit: quitReason("KILL received")}

	case "PRIVMSG":
		return Done{Add: []Msg{PrivMsg{
			From: msg.Prefix,
			To:   param(msg, 0),
			Text: msg.Trailing,
		}}}

	case "NOTICE":
		return Done{Add: []Msg{NoticeMsg{
			From: msg.Prefix,
			To:   param(msg, 0),
			Text: msg.Trailing,
		}}}

	case "NICK":
		if msg.Prefix == nil {
			return raw(msg)
		}
		newNick := param(msg, 0)
		if newNick == "" {
			newNick = msg.Trailing
		}
		return Done{Add: []Msg{NickMsg{Who: msg.Prefix, NewNick: newNick}}}

	case "ERROR":
		return Done{Quit: quitReason(msg.Trailing)}

	case RPL_MOTDSTART, RPL_MOTD:
		return Done{Add: []Msg{MOTDMsg{Line: msg.Trailing}}}

	case RPL_ENDOFMOTD, RPL_ENDOFNAMES:
		// End markers carry no content worth forwarding.
		return Done{}

	case RPL_TOPIC:
		topic := msg.Trailing
		return Done{Add: []Msg{TopicMsg{
			Channel: param(msg, len(msg.Params)-1),
			Topic:   &topic,
		}}}

	case RPL_NOTOPIC:
		return Done{Add: []Msg{TopicMsg{
			Channel: param(msg, len(msg.Params)-1),
		}}}

	case RPL_NAMREPLY:
		// :srv 353 me = #chan :@op +voiced plain
		channel := param(msg, len(msg.Params)-1)
		var names []NamreplyName
		for _, entry := range strings.Fields(msg.Trailing) {
			flag, nick := ParseUserflag(entry)
			names = append(names, NamreplyName{Nick: nick, Flag: flag})
		}
		return Done{Add: []Msg{NamreplyMsg{Channel: channel, Names: names}}}

	case ERR_ERRONEUSNICKNAME, ERR_NICKNAMEINUSE, ERR_NICKCOLLISION:
		return Done{Add: []Msg{ErrorMsg{Code: msg.Command}}}

	default:
		return raw(msg)
	}
}
