package irc

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNickExhausted is returned when the server rejected the primary nick
// and every alternate.
var ErrNickExhausted = errors.New("irc: no nickname alternates left")

type pendingMsg struct {
	ts  time.Time
	msg *Message
}

// receiveSkippingParseErrors reads the next parseable message, logging and
// discarding lines the codec rejects.
func receiveSkippingParseErrors(c *Conn) (time.Time, *Message, error) {
	for {
		ts, msg, err := c.Receive()
		if err != nil {
			var parseErr *ParseError
			if errors.As(err, &parseErr) {
				c.Debugf(SeverityWarning, "register", "dropping unparseable line: %v", parseErr)
				continue
			}
			return ts, nil, err
		}
		return ts, msg, nil
	}
}

// receiveOrReplay drains the pre-upgrade replay buffer head-first before
// touching the live transport, so messages parsed before a STARTTLS switch
// are never lost or reordered.
func receiveOrReplay(c *Conn, replay *[]pendingMsg) (time.Time, *Message, error) {
	if len(*replay) > 0 {
		head := (*replay)[0]
		*replay = (*replay)[1:]
		return head.ts, head.msg, nil
	}
	return receiveSkippingParseErrors(c)
}

// startTLSIfOffered drives the opportunistic upgrade: ask for STARTTLS,
// buffer whatever the server interleaves, and hand the buffer back so the
// registration loop replays it after the switch (or after the server
// declines).
func startTLSIfOffered(c *Conn) ([]pendingMsg, error) {
	var replay []pendingMsg

	if err := c.Send(Cmd("STARTTLS")); err != nil {
		return nil, err
	}

	for {
		ts, msg, err := receiveSkippingParseErrors(c)
		if err != nil {
			return nil, err
		}
		switch msg.Command {
		case RPL_STARTTLS:
			if err := c.StartTLS(c.server.Host); err != nil {
				c.Debugf(SeverityError, "register", "starttls upgrade: %v", err)
				return nil, err
			}
			c.Debugf(SeverityInfo, "register", "stream upgraded to TLS")
			return replay, nil
		case ERR_STARTTLS, "421":
			// Server declined; registration continues in the clear.
			c.Debugf(SeverityWarning, "register", "server declined STARTTLS (%s)", msg.Command)
			return replay, nil
		default:
			replay = append(replay, pendingMsg{ts: ts, msg: msg})
		}
	}
}

// Register drives the handshake from open socket to Established: optional
// opportunistic TLS upgrade, USER/NICK, then the waitForOK loop consuming
// server responses until 001 or a fatal reply. On 001 the starting channel
// map is joined with its keys. Any transport error closes the connection
// and aborts registration.
func Register(c *Conn) error {
	identity := c.Identity()

	var replay []pendingMsg
	if c.server.TLS == TLSOpportunistic && !c.transport.TLSActive() {
		var err error
		replay, err = startTLSIfOffered(c)
		if err != nil {
			c.Close()
			return err
		}
	}

	if err := c.Send(CmdTrailing("USER", identity.Realname, identity.Username, "0", "*")); err != nil {
		return err
	}
	if err := c.Send(Cmd("NICK", identity.Nick)); err != nil {
		return err
	}

	altNicks := append([]string(nil), identity.NickAlt...)

	for {
		ts, msg, err := receiveOrReplay(c, &replay)
		if err != nil {
			c.Debugf(SeverityError, "register", "transport: %v", err)
			c.Close()
			return err
		}

		switch msg.Command {
		case RPL_WELCOME:
			// The welcome's first parameter is the nick the server
			// finally accepted.
			if nick := param(msg, 0); nick != "" && nick != "*" {
				c.SetNick(nick)
			}
			if !c.markEstablished() {
				return ErrClosed
			}
			c.Debugf(SeverityInfo, "register", "registered as %s on %s", c.Nick(), c.server.Host)
			return joinStartingChannels(c)

		case ERR_ERRONEUSNICKNAME, ERR_NICKNAMEINUSE, ERR_NICKCOLLISION:
			if len(altNicks) == 0 {
				c.Debugf(SeverityError, "register", "nickname %q rejected (%s) and no alternates left", c.Nick(), msg.Command)
				c.Send(CmdTrailing("QUIT", "no nickname available"))
				c.Close()
				return ErrNickExhausted
			}
			alt := altNicks[0]
			altNicks = altNicks[1:]
			c.Debugf(SeverityWarning, "register", "nickname %q in use, trying %q", c.Nick(), alt)
			c.SetNick(alt)
			if err := c.Send(Cmd("NICK", alt)); err != nil {
				return err
			}

		case "PING":
			// Servers may ping mid-registration; answer or be dropped.
			done := c.resolve(Dispatch(msg))
			for _, reply := range done.Send {
				if err := c.Send(reply); err != nil {
					return err
				}
			}

		case "NOTICE":
			c.Enqueue(ts, NoticeMsg{
				From: msg.Prefix,
				To:   param(msg, 0),
				Text: msg.Trailing,
			})

		default:
			c.Enqueue(ts, RawMsg{
				Prefix:   msg.Prefix,
				Command:  msg.Command,
				Params:   msg.Params,
				Trailing: msg.Trailing,
			})
		}
	}
}

// joinStartingChannels issues a JOIN for every channel in the starting map,
// keys re-sent verbatim, in deterministic order.
func joinStartingChannels(c *Conn) error {
	channels := c.Channels()
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		join := Cmd("JOIN", name)
		if key := channels[name]; key != nil {
			join = Cmd("JOIN", name, *key)
		}
		if err := c.Send(join); err != nil {
			return fmt.Errorf("join %s: %w", name, err)
		}
	}
	return nil
}
