package network

import (
	"strings"

	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/state"
)

// login sends the registration burst. USER needs a username and realname;
// without them nothing is sent and the connection idles in Connected.
func (n *Network) login(password string) {
	if n.cfg.Nick == "" || n.cfg.Username == "" || n.cfg.RealName == "" {
		n.log.Warn().Msg("Nick, username and realname are required to log in")
		return
	}
	if n.cfg.SASL != nil {
		client, err := irc.NewSASLClient(n.cfg.SASL.Mechanism, n.cfg.SASL.Username, n.cfg.SASL.Password)
		if err != nil {
			n.log.Warn().Err(err).Msg("Skipping SASL")
		} else {
			n.sasl = client
			n.capPending = true
			n.send(irc.NewLine("", "CAP", "REQ", "sasl"))
		}
	}
	if password != "" {
		n.send(irc.NewLine("", "PASS", password))
	}
	n.send(irc.NewLine("", "NICK", n.cfg.Nick))
	n.send(irc.NewLine("", "USER", n.cfg.Username, "0", "*", n.cfg.RealName))
	n.setState(LoginSent)
}

// receive handles one line from upstream
func (n *Network) receive(l *irc.Line) {
	switch l.Command() {
	case "PING":
		n.send(irc.NewLine("", append([]string{"PONG"}, l.Params()...)...))
		return
	case "PONG":
		if n.pinged {
			n.pinged = false
			return
		}
	case "CAP":
		if n.handleCap(l) {
			return
		}
	case "AUTHENTICATE":
		n.handleAuthenticate(l)
		return
	case irc.RPL_SASLSUCCESS:
		n.log.Info().Msg("SASL authentication succeeded")
		n.endCap()
	case irc.ERR_SASLFAIL, irc.ERR_SASLTOOLONG, irc.ERR_SASLABORTED, irc.ERR_SASLALREADY:
		n.log.Warn().Str("reply", l.Last()).Msg("SASL authentication failed")
		n.endCap()
	case irc.RPL_WELCOME:
		n.welcome(l)
	case irc.RPL_ISUPPORT:
		n.isupport(l)
	case irc.ERR_NICKNAMEINUSE, irc.ERR_ERRONEUSNICK, irc.ERR_NICKCOLLISION:
		if n.st == nil {
			n.nextNick(l)
		}
	case "ERROR":
		n.log.Warn().Str("reason", l.Last()).Msg("Server sent ERROR")
		n.forward(l)
		if !n.down() {
			n.teardown("")
			n.lost()
		}
		return
	}

	n.forward(l)

	switch l.Command() {
	case irc.RPL_ENDOFMOTD, irc.ERR_NOMOTD:
		if n.state == LoginSent {
			n.motdReceived()
		}
	}
}

func (n *Network) forward(l *irc.Line) {
	if n.st != nil {
		n.st.HandleLine(l)
	}
	for _, o := range n.observers {
		o.NetworkLine(n, l)
		// an observer may have torn the connection down
		if n.down() {
			return
		}
	}
}

func (n *Network) welcome(l *irc.Line) {
	nick := l.Arg(1)
	if nick == "" {
		nick = n.cfg.Nick
	}
	n.server = l.Origin
	if n.st == nil {
		n.st = state.New(n.cfg.Name, n.info, nick)
	}
	n.log.Info().Str("nick", nick).Str("server", n.server).Msg("Registered")
}

// isupport merges a 005 reply. The tokens are the arguments after our nick;
// the human readable tail is not a token.
func (n *Network) isupport(l *irc.Line) {
	if len(l.Args) < 3 {
		return
	}
	tokens := l.Args[2:]
	if last := tokens[len(tokens)-1]; l.HasTrailing || strings.Contains(last, " ") {
		tokens = tokens[:len(tokens)-1]
	}
	n.info.ParseTokens(tokens)
	if n.st != nil {
		n.st.Rekey()
	}
}

// nextNick picks the next candidate after the server refused ours during
// registration
func (n *Network) nextNick(l *irc.Line) {
	var nick string
	if n.nickIndex < len(n.cfg.AltNicks) {
		nick = n.cfg.AltNicks[n.nickIndex]
	} else {
		nick = l.Arg(2)
		if nick == "" {
			nick = n.cfg.Nick
		}
		nick += "_"
	}
	n.nickIndex++
	n.log.Info().Str("refused", l.Arg(2)).Str("nick", nick).Msg("Nick unavailable, trying another")
	n.send(irc.NewLine("", "NICK", nick))
}

func (n *Network) handleCap(l *irc.Line) bool {
	if !n.capPending {
		return false
	}
	caps := strings.Fields(l.Last())
	switch strings.ToUpper(l.Arg(2)) {
	case "ACK":
		for _, c := range caps {
			if strings.EqualFold(strings.TrimPrefix(c, "-"), "sasl") && n.sasl != nil {
				n.send(irc.NewLine("", "AUTHENTICATE", n.sasl.Mechanism()))
				return true
			}
		}
		n.endCap()
	case "NAK":
		n.log.Warn().Msg("Server does not support SASL")
		n.endCap()
	}
	return true
}

func (n *Network) handleAuthenticate(l *irc.Line) {
	if n.sasl == nil {
		return
	}
	challenge, complete, err := n.saslBuf.Add(l.Arg(1))
	if !complete {
		return
	}
	if err == nil {
		var resp []byte
		if resp, err = n.sasl.Step(challenge); err == nil {
			for _, al := range irc.AuthenticateLines(resp) {
				n.send(al)
			}
			return
		}
	}
	n.log.Warn().Err(err).Msg("Aborting SASL authentication")
	n.send(irc.NewLine("", "AUTHENTICATE", "*"))
}

func (n *Network) endCap() {
	if !n.capPending {
		return
	}
	n.capPending = false
	n.sasl = nil
	n.send(irc.NewLine("", "CAP", "END"))
}

// motdReceived completes login: autojoin and tell observers
func (n *Network) motdReceived() {
	n.setState(MotdReceived)
	n.log.Info().Msg("Ready")
	if len(n.cfg.Channels) > 0 {
		n.send(irc.NewLine("", "JOIN", strings.Join(n.cfg.Channels, ",")))
	}
	for _, o := range n.observers {
		o.NetworkReady(n)
	}
}
