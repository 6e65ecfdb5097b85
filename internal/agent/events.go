package agent

// Event is emitted on Session.Events.
type Event interface {
	TurnIndex() int
}

// SpeechEvent is one speakable unit. Final marks the last unit of a turn
// when that unit is known as it is emitted; a turn has at most one.
type SpeechEvent struct {
	Text  string
	Final bool
	Turn  int
}

func (e SpeechEvent) TurnIndex() int { return e.Turn }

// ActionEvent reports a completed action.
type ActionEvent struct {
	Turn   int
	Name   string
	Args   map[string]any
	Result string
}

func (e ActionEvent) TurnIndex() int { return e.Turn }

// TurnEndEvent follows the last event of a turn that was not interrupted.
// A turn may end without any speech, for example when every requested
// action was cooling down.
type TurnEndEvent struct {
	Turn int
}

func (e TurnEndEvent) TurnIndex() int { return e.Turn }
