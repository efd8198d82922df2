package smtp

const (
	CodeServiceReady  = "220"
	CodeClosing       = "221"
	CodeAuthSuccess   = "235"
	CodeOK            = "250"
	CodeStartMailData = "354"

	ChallengeUsername = "334 VXNlcm5hbWU6" // Base64 encoded "Username:"
	ChallengePassword = "334 UGFzc3dvcmQ6" // Base64 encoded "Password:"

	ClassTransient = "4"
	ClassPermanent = "5"

	ExtStartTLS = "STARTTLS"
	ExtAuth     = "AUTH"
)

type command string

const (
	cmdNone      command = ""
	cmdEhlo      command = "EHLO"
	cmdStartTLS  command = "STARTTLS"
	cmdAuthLogin command = "AUTH LOGIN"
	cmdUsername  command = "AUTH LOGIN username"
	cmdPassword  command = "AUTH LOGIN password"
	cmdMailFrom  command = "MAIL FROM"
	cmdRcptTo    command = "RCPT TO"
	cmdData      command = "DATA"
	cmdEndOfData command = "."
	cmdQuit      command = "QUIT"
)
