package relay

// Inbound message types sent by the conversation relay.
const (
	TypeSetup     = "setup"
	TypePrompt    = "prompt"
	TypeInterrupt = "interrupt"
	TypeDTMF      = "dtmf"
	TypeError     = "error"
)

// Outbound message types.
const (
	TypeText     = "text"
	TypeLanguage = "language"
)

// inbound is the union of every message the relay sends us. Only the
// fields relevant to Type are set.
type inbound struct {
	Type string `json:"type"`

	// setup
	SessionID string `json:"sessionId,omitempty"`
	CallSid   string `json:"callSid,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`

	// prompt
	VoicePrompt string `json:"voicePrompt,omitempty"`
	Lang        string `json:"lang,omitempty"`
	Last        bool   `json:"last,omitempty"`

	// interrupt
	UtteranceUntilInterrupt  string `json:"utteranceUntilInterrupt,omitempty"`
	DurationUntilInterruptMs int    `json:"durationUntilInterruptMs,omitempty"`

	// dtmf
	Digit string `json:"digit,omitempty"`

	// error
	Description string `json:"description,omitempty"`
}

type textMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

type languageMessage struct {
	Type                  string `json:"type"`
	TTSLanguage           string `json:"ttsLanguage"`
	TranscriptionLanguage string `json:"transcriptionLanguage,omitempty"`
}
