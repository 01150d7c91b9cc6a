package network

import (
	"strings"

	"github.com/jelmer/ctrlproxy/internal/irc"
)

// LoopbackName is the registry name of the built-in loopback network
const LoopbackName = "loopback"

const loopbackServer = "ctrlproxy"

// Loopback is a network without an upstream. It acknowledges joins, parts,
// nick and topic changes the way a server would, which is enough to keep
// channels open while offline. Messages go nowhere.
type Loopback struct {
	nick     string
	user     string
	channels map[string]string
	topics   map[string]string
}

func (lb *Loopback) Init(n *Network) error {
	cfg := n.Config()
	lb.nick = cfg.Nick
	if lb.nick == "" {
		lb.nick = "ctrlproxy"
	}
	lb.user = cfg.Username
	if lb.user == "" {
		lb.user = "ctrlproxy"
	}
	lb.channels = make(map[string]string)
	lb.topics = make(map[string]string)

	lb.reply(n, irc.RPL_WELCOME, "Welcome to the ctrlproxy loopback network "+lb.nick)
	lb.reply(n, irc.RPL_ISUPPORT, "NETWORK="+cfg.Name, "CASEMAPPING=rfc1459", "CHANTYPES=#&",
		"PREFIX=(ov)@+", "CHANMODES=beI,k,l,imnpst", "are supported by this server")
	lb.reply(n, irc.ERR_NOMOTD, "MOTD File is missing")
	return nil
}

func (lb *Loopback) Fini(*Network) {}

func (lb *Loopback) mask() string {
	return lb.nick + "!" + lb.user + "@localhost"
}

func (lb *Loopback) reply(n *Network, numeric string, args ...string) {
	l := irc.NewLine(loopbackServer, append([]string{numeric, lb.nick}, args...)...)
	l.HasTrailing = true
	n.Inject(l)
}

func (lb *Loopback) HandleLine(n *Network, l *irc.Line) error {
	info := n.Info()
	switch l.Command() {
	case "JOIN":
		for _, name := range strings.Split(l.Arg(1), ",") {
			if !info.IsChannel(name) {
				lb.reply(n, irc.ERR_NOSUCHCHANNEL, name, "No such channel")
				continue
			}
			key := info.Fold(name)
			if _, ok := lb.channels[key]; ok {
				continue
			}
			lb.channels[key] = name
			n.Inject(irc.NewLine(lb.mask(), "JOIN", name))
			if topic := lb.topics[key]; topic != "" {
				lb.reply(n, irc.RPL_TOPIC, name, topic)
			}
			lb.reply(n, irc.RPL_NAMREPLY, "=", name, "@"+lb.nick)
			lb.reply(n, irc.RPL_ENDOFNAMES, name, "End of /NAMES list.")
		}
	case "PART":
		for _, name := range strings.Split(l.Arg(1), ",") {
			key := info.Fold(name)
			if _, ok := lb.channels[key]; !ok {
				lb.reply(n, irc.ERR_NOTONCHANNEL, name, "You're not on that channel")
				continue
			}
			delete(lb.channels, key)
			args := []string{"PART", name}
			if len(l.Args) > 2 {
				args = append(args, l.Args[2])
			}
			n.Inject(irc.NewLine(lb.mask(), args...))
		}
	case "NICK":
		if l.Arg(1) == "" {
			lb.reply(n, irc.ERR_NONICKNAMEGIVEN, "No nickname given")
			return nil
		}
		old := lb.mask()
		lb.nick = l.Arg(1)
		n.Inject(irc.NewLine(old, "NICK", lb.nick))
	case "TOPIC":
		name := l.Arg(1)
		key := info.Fold(name)
		if _, ok := lb.channels[key]; !ok {
			lb.reply(n, irc.ERR_NOTONCHANNEL, name, "You're not on that channel")
			return nil
		}
		if len(l.Args) > 2 {
			lb.topics[key] = l.Args[2]
			n.Inject(irc.NewLine(lb.mask(), "TOPIC", name, l.Args[2]))
		} else if topic := lb.topics[key]; topic != "" {
			lb.reply(n, irc.RPL_TOPIC, name, topic)
		} else {
			lb.reply(n, irc.RPL_NOTOPIC, name, "No topic is set")
		}
	case "PING":
		n.Inject(irc.NewLine(loopbackServer, "PONG", loopbackServer, l.Arg(1)))
	case "PRIVMSG", "NOTICE", "QUIT", "MODE", "WHO", "AWAY", "PONG", "CAP":
	default:
		lb.reply(n, irc.ERR_UNKNOWNCOMMAND, l.Command(), "Unknown command")
	}
	return nil
}
