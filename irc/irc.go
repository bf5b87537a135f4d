/*
Package irc is the connection engine of the irc2me gateway: it keeps one
persistent client connection per account and network, normalizes the raw
IRC wire protocol (RFC 1459/2812) into a structured message stream, and
fans that stream out to any number of frontend subscribers.

# Pieces

  - Message / ParseMessage: the lenient wire codec. Unknown commands pass
    through verbatim; nothing received is ever silently dropped.
  - Transport: a plain or TLS socket with line-buffered reads,
    mutex-serialized writes, and in-place STARTTLS upgrade. Dialing
    supports SOCKS4/SOCKS5/HTTP proxies.
  - Conn: one session's state — lifecycle status (Initializing,
    Established, Closed, strictly in that order), the current nickname,
    the joined-channel map with join keys, the inbound structured-message
    queue, and a bounded debug queue.
  - Register: the handshake state machine. USER/NICK, alternate-nick
    fallback on 432/433/436, channel re-join on 001, opportunistic
    STARTTLS with replay of pre-upgrade messages.
  - Dispatch: the pure mapping from a parsed message to replies,
    structured messages, and teardown requests. Questions about the
    connection's own nick are expressed as continuations resolved by the
    runtime.
  - Broadcast: the per-connection fan-out. A single reader owns the
    socket; every subscriber gets its own delivery goroutine and a
    bounded drop-oldest buffer, so a hung frontend can never stall the
    reader.

Connections are opened and supervised by the gateway package; account,
network and identity records live in the store package.
*/
package irc
