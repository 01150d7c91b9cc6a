package isupport

import (
	"sort"
	"strconv"
	"strings"

	"github.com/jelmer/ctrlproxy/internal/logger"
)

// ModeClass is the CHANMODES category of a channel mode letter
type ModeClass int

const (
	// ModeUnknown is a letter that appears in neither PREFIX nor CHANMODES
	ModeUnknown ModeClass = iota
	// ModeList modes (category A) keep a list and always take a parameter
	ModeList
	// ModeAlwaysParam modes (category B) take a parameter both ways
	ModeAlwaysParam
	// ModeSetParam modes (category C) take a parameter only when set
	ModeSetParam
	// ModeFlag modes (category D) never take a parameter
	ModeFlag
	// ModePrefix modes set a member status shown as a nick prefix
	ModePrefix
)

// Defaults assumed until the server says otherwise
const (
	DefaultPrefix    = "(ov)@+"
	DefaultChanModes = "beI,k,l,imnpst"
	DefaultChanTypes = "#&"
)

// knownKeys are the announcement keys we recognise. Anything else is kept
// raw for re-announcement to clients but is otherwise ignored.
var knownKeys = map[string]bool{
	"AWAYLEN": true, "CALLERID": true, "CASEMAPPING": true, "CHANLIMIT": true,
	"CHANMODES": true, "CHANNELLEN": true, "CHANTYPES": true, "CHARSET": true,
	"CNOTICE": true, "CPRIVMSG": true, "DEAF": true, "ELIST": true,
	"ESILENCE": true, "ETRACE": true, "EXCEPTS": true, "EXTBAN": true,
	"FNC": true, "HOSTLEN": true, "INVEX": true, "KEYLEN": true,
	"KICKLEN": true, "KNOCK": true, "LINELEN": true, "MAXBANS": true,
	"MAXCHANNELS": true, "MAXLIST": true, "MAXNICKLEN": true, "MAXPARA": true,
	"MAXTARGETS": true, "METADATA": true, "MODES": true, "MONITOR": true,
	"NAMESX": true, "NETWORK": true, "NICKLEN": true, "PENALTY": true,
	"PREFIX": true, "SAFELIST": true, "SILENCE": true, "STATUSMSG": true,
	"STD": true, "TARGMAX": true, "TOPICLEN": true, "UHNAMES": true,
	"USERIP": true, "USERLEN": true, "WALLCHOPS": true, "WALLVOICES": true,
	"WATCH": true, "WHOX": true, "BOT": true, "UTF8ONLY": true,
	"CLIENTTAGDENY": true, "CHATHISTORY": true, "MSGREFTYPES": true,
	"CLIENTVER": true, "SSL": true, "STARTTLS": true, "ACCEPT": true,
}

// Info is the feature table built from a server's RPL_ISUPPORT replies.
// A fresh Info is made for every connection.
type Info struct {
	raw         map[string]string
	casemapping Casemapping
	chanTypes   string
	modeOrder   string // PREFIX modes, highest first
	prefixOrder string // PREFIX symbols, highest first
	chanModes   [4]string
}

// New returns a table holding the defaults
func New() *Info {
	i := &Info{raw: make(map[string]string, 32)}
	i.reset()
	return i
}

func (i *Info) reset() {
	i.casemapping = CasemapRFC1459
	i.chanTypes = DefaultChanTypes
	i.setPrefix(DefaultPrefix)
	i.setChanModes(DefaultChanModes)
}

// ParseTokens merges KEY, KEY=VALUE and -KEY tokens. Later tokens
// overwrite earlier ones for the same key.
func (i *Info) ParseTokens(tokens []string) {
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if strings.HasPrefix(token, "-") {
			i.Unset(token[1:])
			continue
		}
		key, value, _ := strings.Cut(token, "=")
		i.Set(key, value)
	}
}

// Set sets an isupport key, and the structures derived from it
func (i *Info) Set(key, value string) {
	key = strings.ToUpper(key)
	i.raw[key] = value

	switch key {
	case "CASEMAPPING":
		cm, ok := ParseCasemapping(value)
		if !ok {
			logger.Log.Warn().Str("casemapping", value).Msg("Unknown casemapping, falling back to rfc1459")
		}
		i.casemapping = cm
	case "CHANTYPES":
		i.chanTypes = value
	case "PREFIX":
		if !i.setPrefix(value) {
			logger.Log.Warn().Str("prefix", value).Msg("Malformed PREFIX announcement ignored")
		}
	case "CHANMODES":
		i.setChanModes(value)
	default:
		if !knownKeys[key] {
			logger.Log.Warn().Str("key", key).Str("value", value).Msg("Unknown feature announcement")
		}
	}
}

// Unset removes a key and restores the default behaviour it controlled
func (i *Info) Unset(key string) {
	key = strings.ToUpper(key)
	delete(i.raw, key)
	switch key {
	case "CASEMAPPING":
		i.casemapping = CasemapRFC1459
	case "CHANTYPES":
		i.chanTypes = DefaultChanTypes
	case "PREFIX":
		i.setPrefix(DefaultPrefix)
	case "CHANMODES":
		i.setChanModes(DefaultChanModes)
	}
}

// PREFIX=(ov)@+
func (i *Info) setPrefix(value string) bool {
	if value == "" {
		i.modeOrder, i.prefixOrder = "", ""
		return true
	}
	if !strings.HasPrefix(value, "(") {
		return false
	}
	modes, prefixes, ok := strings.Cut(value[1:], ")")
	if !ok || len(modes) != len(prefixes) {
		return false
	}
	i.modeOrder, i.prefixOrder = modes, prefixes
	return true
}

// CHANMODES=eIbq,k,flj,CFLNPQcgimnprstz
func (i *Info) setChanModes(value string) {
	i.chanModes = [4]string{}
	for n, block := range strings.SplitN(value, ",", 4) {
		i.chanModes[n] = block
	}
}

// Get gets an isupport key. This is unprocessed data, and a helper should
// be used if available.
func (i *Info) Get(key string) (value string, ok bool) {
	value, ok = i.raw[strings.ToUpper(key)]
	return
}

// Number gets a key and converts it to a number
func (i *Info) Number(key string) (int, bool) {
	value, ok := i.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Network returns the announced network name, if any
func (i *Info) Network() string {
	v, _ := i.Get("NETWORK")
	return v
}

// Casemapping returns the negotiated casemapping
func (i *Info) Casemapping() Casemapping {
	return i.casemapping
}

// Equal compares two names under the negotiated casemapping
func (i *Info) Equal(a, b string) bool {
	return i.casemapping.Equal(a, b)
}

// Compare orders two names under the negotiated casemapping
func (i *Info) Compare(a, b string) int {
	return i.casemapping.Compare(a, b)
}

// Fold returns the map key form of a name
func (i *Info) Fold(name string) string {
	return i.casemapping.Fold(name)
}

// IsChannel returns whether the target name is a channel
func (i *Info) IsChannel(target string) bool {
	return target != "" && strings.IndexByte(i.chanTypes, target[0]) >= 0
}

// ChanTypes returns the channel prefix characters
func (i *Info) ChanTypes() string {
	return i.chanTypes
}

// IsPrefix reports whether r is a member status prefix such as '@'
func (i *Info) IsPrefix(r rune) bool {
	return strings.ContainsRune(i.prefixOrder, r)
}

// PrefixByMode gets the prefix for a status mode ('o' -> '@'), or 0
func (i *Info) PrefixByMode(mode rune) rune {
	if n := strings.IndexRune(i.modeOrder, mode); n >= 0 {
		return rune(i.prefixOrder[n])
	}
	return 0
}

// ModeByPrefix gets the status mode for a prefix ('@' -> 'o'), or 0
func (i *Info) ModeByPrefix(prefix rune) rune {
	if n := strings.IndexRune(i.prefixOrder, prefix); n >= 0 {
		return rune(i.modeOrder[n])
	}
	return 0
}

// ParsePrefixedNick parses a names-list entry into its components.
// Example: "@+HammerTime62" -> `"HammerTime62", "ov", "@+"`
func (i *Info) ParsePrefixedNick(fullnick string) (nick, modes, prefixes string) {
	for n, ch := range fullnick {
		mode := i.ModeByPrefix(ch)
		if mode == 0 {
			return fullnick[n:], modes, prefixes
		}
		modes += string(mode)
		prefixes += string(ch)
	}
	return "", modes, prefixes
}

// Prefixes returns the prefix symbols for a set of status modes, highest first
func (i *Info) Prefixes(modes string) string {
	var b strings.Builder
	for n, mode := range i.modeOrder {
		if strings.ContainsRune(modes, mode) {
			b.WriteByte(i.prefixOrder[n])
		}
	}
	return b.String()
}

// SortModes returns the status modes in PREFIX order. Unknown modes are omitted.
func (i *Info) SortModes(modes string) string {
	var b strings.Builder
	for _, mode := range i.modeOrder {
		if strings.ContainsRune(modes, mode) {
			b.WriteRune(mode)
		}
	}
	return b.String()
}

// ModeClass returns the category of a channel mode letter
func (i *Info) ModeClass(mode rune) ModeClass {
	if strings.ContainsRune(i.modeOrder, mode) {
		return ModePrefix
	}
	for n, block := range i.chanModes {
		if strings.ContainsRune(block, mode) {
			return ModeList + ModeClass(n)
		}
	}
	return ModeUnknown
}

// ModeTakesArgument returns true if the mode consumes a parameter when
// added (adding) or removed (!adding)
func (i *Info) ModeTakesArgument(mode rune, adding bool) bool {
	switch i.ModeClass(mode) {
	case ModePrefix, ModeList, ModeAlwaysParam:
		return true
	case ModeSetParam:
		return adding
	}
	return false
}

// Tokens returns the table as KEY=VALUE tokens, sorted by key, for
// re-announcing to clients
func (i *Info) Tokens() []string {
	keys := make([]string, 0, len(i.raw))
	for k := range i.raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tokens := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := i.raw[k]; v != "" {
			tokens = append(tokens, k+"="+v)
		} else {
			tokens = append(tokens, k)
		}
	}
	return tokens
}

// Copy returns an independent table
func (i *Info) Copy() *Info {
	c := *i
	c.raw = make(map[string]string, len(i.raw))
	for k, v := range i.raw {
		c.raw[k] = v
	}
	return &c
}

// Equivalent reports whether two tables hold the same announcements
func (i *Info) Equivalent(o *Info) bool {
	if len(i.raw) != len(o.raw) {
		return false
	}
	for k, v := range i.raw {
		if ov, ok := o.raw[k]; !ok || ov != v {
			return false
		}
	}
	return i.casemapping == o.casemapping && i.chanTypes == o.chanTypes &&
		i.modeOrder == o.modeOrder && i.prefixOrder == o.prefixOrder &&
		i.chanModes == o.chanModes
}
