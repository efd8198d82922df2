package smtpd

type Command struct {
	Name string
	// Prefix is matched case-insensitively against the start of a line.
	Prefix string
	// Extension is the EHLO keyword advertising the command, if any.
	Extension string
}

var (
	CmdEhlo = Command{
		Name:   "EHLO",
		Prefix: "EHLO ",
	}

	CmdHelo = Command{
		Name:   "HELO",
		Prefix: "HELO ",
	}

	CmdMailFrom = Command{
		Name:   "MAIL FROM",
		Prefix: "MAIL FROM:",
	}

	CmdRcptTo = Command{
		Name:   "RCPT TO",
		Prefix: "RCPT TO:",
	}

	CmdData = Command{
		Name:   "DATA",
		Prefix: "DATA",
	}

	CmdRset = Command{
		Name:   "RSET",
		Prefix: "RSET",
	}

	CmdNoop = Command{
		Name:   "NOOP",
		Prefix: "NOOP",
	}

	CmdQuit = Command{
		Name:   "QUIT",
		Prefix: "QUIT",
	}

	// extensions
	CmdStartTls = Command{
		Name:      "STARTTLS",
		Prefix:    "STARTTLS",
		Extension: "STARTTLS",
	}

	CmdAuth = Command{
		Name:      "AUTH",
		Prefix:    "AUTH ",
		Extension: "AUTH LOGIN",
	}
)
