package irc

// Numeric replies the proxy consumes or produces
const (
	RPL_WELCOME          = "001"
	RPL_YOURHOST         = "002"
	RPL_CREATED          = "003"
	RPL_MYINFO           = "004"
	RPL_ISUPPORT         = "005"
	RPL_UMODEIS          = "221"
	RPL_AWAY             = "301"
	RPL_UNAWAY           = "305"
	RPL_NOWAWAY          = "306"
	RPL_ENDOFWHO         = "315"
	RPL_CHANNELMODEIS    = "324"
	RPL_CREATIONTIME     = "329"
	RPL_NOTOPIC          = "331"
	RPL_TOPIC            = "332"
	RPL_TOPICWHOTIME     = "333"
	RPL_INVITELIST       = "346"
	RPL_ENDOFINVITE      = "347"
	RPL_EXCEPTLIST       = "348"
	RPL_ENDOFEXCEPT      = "349"
	RPL_WHOREPLY         = "352"
	RPL_NAMREPLY         = "353"
	RPL_ENDOFNAMES       = "366"
	RPL_BANLIST          = "367"
	RPL_ENDOFBANLIST     = "368"
	RPL_MOTD             = "372"
	RPL_MOTDSTART        = "375"
	RPL_ENDOFMOTD        = "376"
	ERR_NOSUCHNICK       = "401"
	ERR_NOSUCHCHANNEL    = "403"
	ERR_UNKNOWNCOMMAND   = "421"
	ERR_NOMOTD           = "422"
	ERR_NONICKNAMEGIVEN  = "431"
	ERR_ERRONEUSNICK     = "432"
	ERR_NICKNAMEINUSE    = "433"
	ERR_NICKCOLLISION    = "436"
	ERR_NOTONCHANNEL     = "442"
	ERR_NOTREGISTERED    = "451"
	ERR_NEEDMOREPARAMS   = "461"
	ERR_ALREADYREGISTRED = "462"
	ERR_PASSWDMISMATCH   = "464"
	RPL_LOGGEDIN         = "900"
	RPL_SASLSUCCESS      = "903"
	ERR_SASLFAIL         = "904"
	ERR_SASLTOOLONG      = "905"
	ERR_SASLABORTED      = "906"
	ERR_SASLALREADY      = "907"
	RPL_SASLMECHS        = "908"
)
