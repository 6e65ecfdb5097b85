// Package relay bridges conversation relay websockets to agent sessions.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/m2tx/voice_agent/internal/agent"
	"github.com/m2tx/voice_agent/internal/functions"
	"github.com/m2tx/voice_agent/internal/model"
	"github.com/m2tx/voice_agent/internal/repository"
)

const (
	DefaultGreeting = "hello"

	callerFact   = "user phone number"
	writeTimeout = 10 * time.Second
)

type Config struct {
	Provider agent.Provider
	Registry *agent.Registry
	Recorder agent.ActionRecorder
	// Profiles seeds new sessions. When nil sessions start without a profile.
	Profiles repository.ProfileRepository
	Logger   *zap.Logger

	CoalesceWindow time.Duration
	MaxToolRounds  int
	// Greeting is submitted as the first utterance of every call.
	Greeting string
}

// Handler upgrades requests to websockets and runs one session per socket.
type Handler struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Provider == nil {
		return nil, errors.New("relay: provider cannot be nil")
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		h:       h,
		ws:      ws,
		logger:  h.logger.With(zap.String("remote", r.RemoteAddr)),
		started: make(chan *agent.Session, 1),
	}
	if err := c.serve(r.Context()); err != nil {
		c.logger.Error("relay connection failed", zap.Error(err))
	}
}

// conn is one relay socket. The reader owns the session; the writer is the
// only goroutine writing to ws.
type conn struct {
	h       *Handler
	ws      *websocket.Conn
	logger  *zap.Logger
	started chan *agent.Session

	session *agent.Session
	profile *model.Profile
}

func (c *conn) serve(ctx context.Context) error {
	defer c.ws.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	// the socket is gone once the reader stops, so the writer stops too
	g.Go(func() error {
		defer cancel()
		return c.readLoop(ctx)
	})
	g.Go(func() error { return c.writeLoop(ctx) })

	return g.Wait()
}

func (c *conn) readLoop(ctx context.Context) error {
	defer func() {
		if c.session != nil {
			_ = c.session.Close()
			return
		}
		close(c.started)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || ctx.Err() != nil {
				c.logger.Debug("relay socket closed", zap.Error(err))
				return nil
			}
			return fmt.Errorf("relay: read: %w", err)
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping invalid relay message", zap.Error(err))
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *conn) handle(ctx context.Context, msg inbound) error {
	switch msg.Type {
	case TypeSetup:
		return c.setup(ctx, msg)

	case TypePrompt:
		if c.session == nil {
			c.logger.Warn("prompt before setup")
			return nil
		}
		c.logger.Debug("caller prompt", zap.String("lang", msg.Lang), zap.String("text", msg.VoicePrompt))
		err := c.session.SubmitUserUtterance(ctx, msg.VoicePrompt)
		if errors.Is(err, agent.ErrSessionClosed) {
			return nil
		}
		return err

	case TypeInterrupt:
		c.logger.Debug("caller interrupted",
			zap.String("utterance", msg.UtteranceUntilInterrupt),
			zap.Int("duration_ms", msg.DurationUntilInterruptMs))
		if c.session != nil {
			c.session.Interrupt()
		}

	case TypeDTMF:
		c.logger.Info("dtmf received", zap.String("digit", msg.Digit))

	case TypeError:
		c.logger.Warn("relay reported an error", zap.String("description", msg.Description))

	default:
		c.logger.Warn("unknown relay message", zap.String("type", msg.Type))
	}

	return nil
}

func (c *conn) setup(ctx context.Context, msg inbound) error {
	if c.session != nil {
		c.logger.Warn("duplicate setup ignored", zap.String("call", msg.CallSid))
		return nil
	}

	id := msg.CallSid
	if id == "" {
		id = uuid.NewString()
	}
	c.logger = c.logger.With(zap.String("session", id))

	profile, err := c.h.loadProfile(ctx, msg.From)
	if err != nil {
		// a missing profile only loses personalisation
		c.logger.Warn("profile lookup failed", zap.Error(err))
	}
	c.profile = profile

	s, err := agent.NewSession(agent.SessionConfig{
		ID:             id,
		Caller:         msg.From,
		Provider:       c.h.cfg.Provider,
		Registry:       c.h.cfg.Registry,
		Recorder:       c.h.cfg.Recorder,
		Logger:         c.h.logger,
		CoalesceWindow: c.h.cfg.CoalesceWindow,
		MaxToolRounds:  c.h.cfg.MaxToolRounds,
	})
	if err != nil {
		return fmt.Errorf("relay: new session %q: %w", id, err)
	}
	c.session = s
	c.started <- s

	for _, line := range profile.Instructions() {
		if err := s.AddInstruction(line); err != nil {
			return err
		}
	}
	if profile != nil && profile.Language != "" {
		if err := s.AddInstruction(defaultLanguageInstruction(profile.Language)); err != nil {
			return err
		}
		c.logger.Info("profile loaded",
			zap.String("profile", profile.ID),
			zap.String("language", profile.Language),
			zap.String("voice", profile.Voice))
	}
	if msg.From != "" {
		if err := s.SetContextFact(callerFact, msg.From); err != nil {
			return err
		}
	}

	c.logger.Info("relay session started", zap.String("from", msg.From))
	return s.SubmitUserUtterance(ctx, c.h.cfg.Greeting)
}

func (h *Handler) loadProfile(ctx context.Context, caller string) (*model.Profile, error) {
	if h.cfg.Profiles == nil {
		return nil, nil
	}
	if caller != "" {
		p, err := h.cfg.Profiles.FindByCaller(ctx, caller)
		if err != nil || p != nil {
			return p, err
		}
	}
	return h.cfg.Profiles.Latest(ctx)
}

func defaultLanguageInstruction(language string) string {
	return fmt.Sprintf("You can speak in many languages, but use default language %s for this conversation from now on! "+
		"Remember it as the default language, even you change language in between. "+
		"Treat en-US and en-GB etc. as different languages.", language)
}

func (c *conn) writeLoop(ctx context.Context) error {
	var s *agent.Session
	select {
	case s = <-c.started:
		if s == nil {
			return nil
		}
	case <-ctx.Done():
		return nil
	}

	// the turn whose last token has been written
	closedTurn := 0
	for ev := range s.Events() {
		var err error
		switch e := ev.(type) {
		case agent.SpeechEvent:
			err = c.write(textMessage{Type: TypeText, Token: e.Text, Last: e.Final})
			if e.Final {
				closedTurn = e.Turn
			}
		case agent.TurnEndEvent:
			if closedTurn != e.Turn {
				err = c.write(textMessage{Type: TypeText, Last: true})
				closedTurn = e.Turn
			}
		case agent.ActionEvent:
			c.logger.Debug("action completed", zap.String("action", e.Name), zap.Int("turn", e.Turn))
			if e.Name == functions.ChangeLanguageName {
				err = c.changeLanguage(e)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *conn) changeLanguage(e agent.ActionEvent) error {
	language, _ := e.Args["language"].(string)
	if language == "" {
		return nil
	}

	msg := languageMessage{Type: TypeLanguage, TTSLanguage: language}
	if c.profile == nil || c.profile.ChangeSTT {
		msg.TranscriptionLanguage = language
	}
	c.logger.Info("switching language", zap.String("language", language))
	return c.write(msg)
}

func (c *conn) write(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}
