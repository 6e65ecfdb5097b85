package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/m2tx/voice_agent/internal/model"
)

// DefaultHandlerFailureResult is added to the conversation when an action
// handler fails, so the model can apologise in its follow-up.
const DefaultHandlerFailureResult = "The action could not be completed. Apologise to the caller and offer another way to help."

// Outcome is the result of dispatching one call.
type Outcome int

const (
	OutcomeFollowUp Outcome = iota
	OutcomeTerminal
	OutcomeSkipped
	OutcomeUnknown
	OutcomeFailed
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFollowUp:
		return "follow_up"
	case OutcomeTerminal:
		return "terminal"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeUnknown:
		return "unknown"
	case OutcomeFailed:
		return "failed"
	case OutcomeMalformed:
		return "malformed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what one dispatch produced. Speech holds the text a terminal
// action wants said; the session decides whether it closes the turn.
type Result struct {
	Outcome Outcome
	Speech  string
}

// NeedsFollowUp reports whether the model has to see the result before the
// turn can end.
func (o Outcome) NeedsFollowUp() bool {
	return o == OutcomeFollowUp || o == OutcomeFailed || o == OutcomeMalformed
}

// Output receives what a dispatch wants the caller to hear or see. Speak
// returns false when the unit was suppressed.
type Output interface {
	Speak(turn int, text string, final bool) bool
	Action(ev ActionEvent)
}

// ActionRecorder persists completed actions.
type ActionRecorder interface {
	RecordAction(ctx context.Context, record model.ActionRecord) error
}

type DispatcherConfig struct {
	SessionID     string
	Caller        func() string
	Registry      *Registry
	Store         *ContextStore
	Gate          *CooldownGate
	Output        Output
	Recorder      ActionRecorder
	Logger        *zap.Logger
	Now           func() time.Time
	FailureResult string
}

// Dispatcher runs finalized tool calls against the registry.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *zap.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Gate == nil {
		cfg.Gate = NewCooldownGate()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Caller == nil {
		cfg.Caller = func() string { return "" }
	}
	if cfg.FailureResult == "" {
		cfg.FailureResult = DefaultHandlerFailureResult
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, logger: logger}
}

// Dispatch resolves, gates and runs call for turn. The returned error
// describes why the call did not succeed; it never ends the turn by itself.
func (d *Dispatcher) Dispatch(ctx context.Context, turn int, call FinalizedCall) (Result, error) {
	logger := d.logger.With(zap.Int("turn", turn), zap.String("action", call.Name))

	if call.Err != nil {
		name := call.Name
		if name == "" {
			name = "unnamed"
		}
		d.appendResult(name, fmt.Sprintf("could not parse arguments for %s", name))
		logger.Warn("dropping malformed tool call", zap.Error(call.Err))
		return Result{Outcome: OutcomeMalformed}, call.Err
	}

	fd, ok := d.cfg.Registry.Resolve(call.Name)
	if !ok {
		d.appendResult(call.Name, "unknown action: "+call.Name)
		logger.Warn("model requested unknown action")
		return Result{Outcome: OutcomeUnknown}, fmt.Errorf("%w: %q", ErrUnknownAction, call.Name)
	}

	if fd.Family != "" {
		window := d.cfg.Registry.Cooldown(fd.Family)
		if !d.cfg.Gate.TryAcquire(fd.Family, d.cfg.Now(), window) {
			logger.Debug("action family cooling down",
				zap.String("family", fd.Family),
				zap.Duration("window", window))
			return Result{Outcome: OutcomeSkipped}, nil
		}
	}

	if fd.Say != "" {
		d.cfg.Output.Speak(turn, fd.Say, false)
	}

	inv := &Invocation{
		SessionID: d.cfg.SessionID,
		Caller:    d.cfg.Caller(),
		Turn:      turn,
		Name:      fd.Name,
		Args:      call.Args,
	}

	started := time.Now()
	result, err := invoke(ctx, fd, inv)
	if err != nil {
		d.appendResult(fd.Name, d.cfg.FailureResult)
		logger.Error("action handler failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		return Result{Outcome: OutcomeFailed}, &HandlerError{Action: fd.Name, Err: err}
	}

	text, err := resultText(result)
	if err != nil {
		d.appendResult(fd.Name, d.cfg.FailureResult)
		logger.Error("encode action result", zap.Error(err))
		return Result{Outcome: OutcomeFailed}, &HandlerError{Action: fd.Name, Err: err}
	}

	d.appendResult(fd.Name, text)
	logger.Info("action completed", zap.Duration("elapsed", time.Since(started)))

	d.cfg.Output.Action(ActionEvent{Turn: turn, Name: fd.Name, Args: call.Args, Result: text})
	d.record(ctx, inv, text)

	if fd.Terminal {
		return Result{Outcome: OutcomeTerminal, Speech: text}, nil
	}
	return Result{Outcome: OutcomeFollowUp}, nil
}

func (d *Dispatcher) appendResult(name, content string) {
	_, err := d.cfg.Store.Append(model.ConversationEntry{
		Role:    model.RoleFunction,
		Name:    name,
		Content: content,
	})
	if err != nil {
		d.logger.Error("append function entry", zap.String("action", name), zap.Error(err))
	}
}

func (d *Dispatcher) record(ctx context.Context, inv *Invocation, result string) {
	if d.cfg.Recorder == nil {
		return
	}
	err := d.cfg.Recorder.RecordAction(ctx, model.ActionRecord{
		SessionID: inv.SessionID,
		Caller:    inv.Caller,
		Turn:      inv.Turn,
		Name:      inv.Name,
		Args:      inv.Args,
		Result:    result,
		At:        d.cfg.Now(),
	})
	if err != nil {
		d.logger.Warn("record action", zap.String("action", inv.Name), zap.Error(err))
	}
}

func invoke(ctx context.Context, fd *FunctionDeclaration, inv *Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fd.FunctionCall(ctx, inv)
}

func resultText(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
