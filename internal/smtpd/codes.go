package smtpd

const (
	// server hostname
	StatusServiceReady   = "220 %s SMTP service ready"
	StatusReadyStarting  = "220 Ready to start TLS"
	// server hostname
	StatusConnClosed     = "221 %s closing connection"
	StatusAuthSuccess    = "235 Authentication successful"
	StatusOK             = "250 OK"
	// server hostname, client hostname
	StatusGreeting       = "%s greets %s"
	// base64 encoded challenge
	StatusAuthChallenge  = "334 %s"
	StatusStartMailInput = "354 Start mail input; end with <CRLF>.<CRLF>"

	// server hostname
	StatusServiceUnavailable = "421 %s service not available, closing connection"
	StatusLocalError         = "451 Requested action aborted: local error in processing"
	StatusTooManyRecipients  = "452 Too many recipients"

	StatusBadCommand           = "500 Unrecognized command"
	StatusLineTooLong          = "500 Line too long"
	StatusInvalidBase64        = "501 Invalid base64 encoding"
	StatusSyntaxError          = "501 Syntax error in parameters"
	StatusAuthCanceled         = "501 Authentication canceled"
	StatusNotImplemented       = "502 Command not implemented"
	// required command
	StatusBadSequence          = "503 Bad sequence: '%s' required first"
	StatusAlreadyAuthenticated = "503 Already authenticated"
	StatusMechanismUnsupported = "504 Unrecognized authentication mechanism"
	StatusAuthRequired         = "530 Authentication required"
	StatusAuthenticationFailed = "535 Authentication failed"
	StatusEncryptionRequired   = "538 Encryption required for requested authentication mechanism"
	StatusNoSuchUser           = "550 No such user here"
	StatusMessageTooLarge      = "552 Message size exceeds fixed maximum message size"
	StatusSenderNotOwned       = "553 Sender address not owned by authenticated user"
)

const (
	MaxLineLength         = 1000
	DefaultMaxMessageSize = 10 * 1024 * 1024
	MaxRecipients         = 100
)
