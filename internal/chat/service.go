package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/ai-console/internal/ai"
	"github.com/suPer8Hu/ai-console/internal/stream"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

const persistTimeout = 10 * time.Second

type Options struct {
	HistoryCap          int
	MaxInputTokens      int
	MaxConcurrent       int64
	DefaultSystemPrompt string
	DefaultProvider     string
	DefaultModel        string
}

type Service struct {
	repo      Repository
	tree      *Tree
	history   *HistoryStore
	providers *ai.Registry
	sessions  *stream.Registry
	bus       stream.Bus
	gen       *semaphore.Weighted
	opts      Options

	wg sync.WaitGroup
}

func NewService(repo Repository, providers *ai.Registry, sessions *stream.Registry, bus stream.Bus, opts Options) *Service {
	if opts.MaxInputTokens <= 0 {
		opts.MaxInputTokens = 8000
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 64
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = "ollama"
	}
	return &Service{
		repo:      repo,
		tree:      NewTree(repo),
		history:   NewHistoryStore(repo, opts.HistoryCap),
		providers: providers,
		sessions:  sessions,
		bus:       bus,
		gen:       semaphore.NewWeighted(opts.MaxConcurrent),
		opts:      opts,
	}
}

func (s *Service) Tree() *Tree { return s.tree }

// Wait blocks until every background generation has returned.
func (s *Service) Wait() { s.wg.Wait() }

// AttachmentRef describes a file or image sent with a turn.
type AttachmentRef struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	ImgDesc   string `json:"img_desc"`
	OCRResult string `json:"ocr_result"`
	DataID    string `json:"data_id"`
}

type TurnInput struct {
	UserID     uint64
	ChatID     uint64
	Text       string
	Attachment *AttachmentRef
	SessionID  string
}

func (s *Service) CreateBot(ctx context.Context, b *Bot) error {
	b.Name = strings.TrimSpace(b.Name)
	if b.Kind == "" {
		b.Kind = BotKindLLM
	}
	if b.Provider == "" {
		b.Provider = s.opts.DefaultProvider
	}
	if b.Model == "" {
		b.Model = s.opts.DefaultModel
	}
	return s.repo.CreateBot(ctx, b)
}

func (s *Service) CreateChat(ctx context.Context, userID, botID uint64, title string) (*Chat, error) {
	if botID != 0 {
		if _, err := s.repo.GetBot(ctx, botID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, errors.Wrapf(ErrNotFound, "bot %d", botID)
			}
			return nil, err
		}
	}
	c := &Chat{UserID: userID, BotID: botID, Title: strings.TrimSpace(title), Enable: 1}
	if err := s.repo.CreateChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ownedChat loads chatID and hides chats of other users behind ErrNotFound.
func (s *Service) ownedChat(ctx context.Context, userID, chatID uint64) (*Chat, error) {
	c, err := s.repo.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "chat %d", chatID)
		}
		return nil, err
	}
	if c.UserID != userID {
		return nil, errors.Wrapf(ErrNotFound, "chat %d", chatID)
	}
	return c, nil
}

// writableChat is ownedChat plus the checks that gate new turns.
func (s *Service) writableChat(ctx context.Context, userID, chatID uint64) (*Chat, error) {
	c, err := s.ownedChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if c.Enable == 0 {
		return nil, errors.Wrapf(ErrChatDisabled, "chat %d", chatID)
	}
	if c.IsDelete != 0 {
		return nil, errors.Wrapf(ErrChatDeleted, "chat %d", chatID)
	}
	return c, nil
}

// botFor returns the chat's bot, or the configured default for chats
// without one.
func (s *Service) botFor(ctx context.Context, c *Chat) *Bot {
	if c.BotID != 0 {
		b, err := s.repo.GetBot(ctx, c.BotID)
		if err == nil {
			return b
		}
		log.Warn().Err(err).Uint64("bot_id", c.BotID).Msg("bot lookup failed, using default")
	}
	return &Bot{
		Name:           "default",
		Kind:           BotKindLLM,
		SystemPrompt:   s.opts.DefaultSystemPrompt,
		Provider:       s.opts.DefaultProvider,
		Model:          s.opts.DefaultModel,
		SupportContext: true,
	}
}

func (s *Service) budgetFor(b *Bot) int {
	if b.MaxInputTokens > 0 {
		return b.MaxInputTokens
	}
	return s.opts.MaxInputTokens
}

func (s *Service) systemPromptFor(b *Bot) string {
	if strings.TrimSpace(b.SystemPrompt) != "" {
		return b.SystemPrompt
	}
	return s.opts.DefaultSystemPrompt
}

// StartTurn stores the user's message on the current chat of the branch
// and starts generating the answer. The returned session streams it.
func (s *Service) StartTurn(ctx context.Context, in TurnInput) (*stream.Session, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Attachment == nil {
		return nil, ErrEmptyMessage
	}

	if _, err := s.writableChat(ctx, in.UserID, in.ChatID); err != nil {
		return nil, err
	}
	root, err := s.tree.RootOf(ctx, in.UserID, in.ChatID)
	if err != nil {
		return nil, err
	}
	target, err := s.tree.CurrentChatID(ctx, root)
	if err != nil {
		return nil, err
	}
	chat, err := s.writableChat(ctx, in.UserID, target)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Open(in.SessionID, in.UserID)
	if err != nil {
		return nil, err
	}

	bot := s.botFor(ctx, chat)
	var hist []HistoryMessage
	if bot.SupportContext {
		hist = s.history.Context(ctx, in.UserID, chat.ID)
	}

	req := &RequestTurn{ChatID: chat.ID, UserID: in.UserID, Message: text, NewContext: 1}
	if a := in.Attachment; a != nil {
		req.Attachment = &RequestAttachment{
			ChatID: chat.ID, UserID: in.UserID,
			Type: a.Type, URL: a.URL, ImgDesc: a.ImgDesc, OCRResult: a.OCRResult, DataID: a.DataID,
		}
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		sess.Cancel()
		return nil, errors.Wrap(err, "store request")
	}

	user := ai.Message{Role: RoleUser, Content: text}
	if req.Attachment != nil && req.Attachment.URL != "" {
		user.ImageURLs = []string{req.Attachment.URL}
	}
	msgs := Pack(s.systemPromptFor(bot), user, FilterHistory(hist), s.budgetFor(bot), false)

	log.Info().Str("session_id", sess.ID()).Uint64("chat_id", chat.ID).Uint64("req_id", req.ID).
		Int("messages", len(msgs)).Msg("turn started")
	pushMeta(sess, chat.ID, req.ID)
	s.generate(sess, generation{userID: in.UserID, chatID: chat.ID, reqID: req.ID, bot: bot, messages: msgs})
	return sess, nil
}

// ReAnswer regenerates the answer of an earlier request. The new answer
// replaces the stored one.
func (s *Service) ReAnswer(ctx context.Context, userID, requestID uint64, sessionID string) (*stream.Session, error) {
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "request %d", requestID)
		}
		return nil, err
	}
	if req.UserID != userID {
		return nil, errors.Wrapf(ErrNotFound, "request %d", requestID)
	}
	chat, err := s.writableChat(ctx, userID, req.ChatID)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Open(sessionID, userID)
	if err != nil {
		return nil, err
	}

	bot := s.botFor(ctx, chat)
	var hist []HistoryMessage
	if bot.SupportContext {
		hist = historyThrough(s.history.Context(ctx, userID, chat.ID), req.ID)
	}

	user := ai.Message{Role: RoleUser, Content: req.Message}
	if req.Attachment != nil && req.Attachment.URL != "" {
		user.ImageURLs = []string{req.Attachment.URL}
	}
	msgs := Pack(s.systemPromptFor(bot), user, FilterHistory(hist), s.budgetFor(bot), true)

	log.Info().Str("session_id", sess.ID()).Uint64("chat_id", chat.ID).Uint64("req_id", req.ID).
		Int("messages", len(msgs)).Msg("re-answer started")
	pushMeta(sess, chat.ID, req.ID)
	s.generate(sess, generation{userID: userID, chatID: chat.ID, reqID: req.ID, bot: bot, messages: msgs})
	return sess, nil
}

// pushMeta tells the consumer which chat and request the stream answers.
func pushMeta(sess *stream.Session, chatID, reqID uint64) {
	sess.Push(stream.Event{
		Kind: stream.EventMeta,
		Data: fmt.Sprintf(`{"chat_id":%d,"request_id":%d}`, chatID, reqID),
	})
}

// historyThrough keeps the turns up to and including reqID, so that the
// replaced question/answer pair is the newest entry. An unanswered question
// gets an empty answer slot to keep the pair shape.
func historyThrough(hist []HistoryMessage, reqID uint64) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(hist)+1)
	for _, m := range hist {
		if m.RequestID <= reqID {
			out = append(out, m)
		}
	}
	if n := len(out); n > 0 && out[n-1].Role == RoleUser && out[n-1].RequestID == reqID {
		out = append(out, HistoryMessage{Role: RoleAssistant, RequestID: reqID})
	}
	return out
}

// Stop asks whichever instance runs sessionID to cancel it. It returns
// once the signal is published.
func (s *Service) Stop(ctx context.Context, userID uint64, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return stream.ErrEmptySessionID
	}
	if sess, ok := s.sessions.Get(sessionID); ok && sess.OwnerID() != userID {
		return errors.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	if s.bus == nil {
		s.sessions.Cancel(sessionID)
		return nil
	}
	return s.bus.Publish(ctx, sessionID)
}

// Restart continues the branch of chatID in a fresh, empty chat and makes
// it current. Earlier chats of the branch stay readable through History.
func (s *Service) Restart(ctx context.Context, userID, chatID uint64) (*Chat, error) {
	chat, err := s.writableChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	root, err := s.tree.RootOf(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	next := &Chat{
		UserID:        userID,
		BotID:         chat.BotID,
		Title:         chat.Title,
		Enable:        1,
		BoundFileID:   chat.BoundFileID,
		BoundPluginID: chat.BoundPluginID,
	}
	if err := s.repo.CreateChat(ctx, next); err != nil {
		return nil, errors.Wrap(err, "create chat")
	}
	parent, err := s.tree.Continue(ctx, root, next.ID, userID)
	if err != nil {
		return nil, err
	}
	log.Info().Uint64("root_chat_id", root).Uint64("parent_chat_id", parent).
		Uint64("chat_id", next.ID).Msg("chat restarted")
	return next, nil
}

// History is the full chronological transcript of the branch chatID
// belongs to, with workflow markers removed.
func (s *Service) History(ctx context.Context, userID, chatID uint64) ([]HistoryMessage, error) {
	chat, err := s.ownedChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if chat.IsDelete != 0 {
		return nil, errors.Wrapf(ErrChatDeleted, "chat %d", chatID)
	}
	ids := []uint64{chatID}
	if root, err := s.tree.RootOf(ctx, userID, chatID); err != nil {
		log.Warn().Err(err).Uint64("chat_id", chatID).Msg("branch lookup failed, showing chat only")
	} else if branch, err := s.tree.BranchChatIDs(ctx, root, userID); err != nil {
		log.Warn().Err(err).Uint64("chat_id", chatID).Msg("branch lookup failed, showing chat only")
	} else {
		ids = branch
	}
	return FilterHistory(s.history.Transcript(ctx, userID, ids)), nil
}

// Clear soft-deletes every chat of the branch.
func (s *Service) Clear(ctx context.Context, userID, chatID uint64) error {
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return err
	}
	ids, err := s.branchOf(ctx, userID, chatID)
	if err != nil {
		return err
	}
	return s.tree.SoftDelete(ctx, ids)
}

// Reactivate undoes Clear. Disabled chats stay unavailable.
func (s *Service) Reactivate(ctx context.Context, userID, chatID uint64) error {
	chat, err := s.ownedChat(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if chat.Enable == 0 {
		return errors.Wrapf(ErrChatDisabled, "chat %d", chatID)
	}
	ids, err := s.branchOf(ctx, userID, chatID)
	if err != nil {
		return err
	}
	return s.tree.Reactivate(ctx, ids)
}

func (s *Service) branchOf(ctx context.Context, userID, chatID uint64) ([]uint64, error) {
	root, err := s.tree.RootOf(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	return s.tree.BranchChatIDs(ctx, root, userID)
}
