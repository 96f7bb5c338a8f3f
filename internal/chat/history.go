package chat

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// HistoryMessage is one role-tagged entry of a merged transcript.
type HistoryMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	RequestID uint64        `json:"request_id"`
	ChatID    uint64        `json:"chat_id"`
	ImageURL  string        `json:"image_url,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
	Sources   []TraceSource `json:"sources,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// HistoryStore is the read side of conversation turns. Lookups never fail:
// store errors are logged and surface as empty history.
type HistoryStore struct {
	repo Repository
	cap  int
}

func NewHistoryStore(repo Repository, historyCap int) *HistoryStore {
	if historyCap <= 0 {
		historyCap = 500
	}
	return &HistoryStore{repo: repo, cap: historyCap}
}

// LoadRequestHistory returns up to cap request turns of chatID, newest first.
func (h *HistoryStore) LoadRequestHistory(ctx context.Context, userID, chatID uint64) []RequestTurn {
	reqs, err := h.repo.ListRequestsDesc(ctx, userID, chatID, h.cap)
	if err != nil {
		log.Warn().Err(err).Uint64("chat_id", chatID).Msg("load request history")
		return []RequestTurn{}
	}
	if reqs == nil {
		return []RequestTurn{}
	}
	return reqs
}

// LoadResponseHistory returns responses of chatID, optionally limited to reqIDs.
func (h *HistoryStore) LoadResponseHistory(ctx context.Context, userID, chatID uint64, reqIDs []uint64) []ResponseTurn {
	resps, err := h.repo.ListResponses(ctx, userID, chatID, reqIDs)
	if err != nil {
		log.Warn().Err(err).Uint64("chat_id", chatID).Msg("load response history")
		return []ResponseTurn{}
	}
	if resps == nil {
		return []ResponseTurn{}
	}
	return resps
}

// TrimToContext cuts a newest-first request sequence at the first turn with
// NewContext == 0. That turn and everything older are excluded.
func TrimToContext(newestFirst []RequestTurn) []RequestTurn {
	for i, r := range newestFirst {
		if r.NewContext == 0 {
			return newestFirst[:i]
		}
	}
	return newestFirst
}

// Context returns the chronological conversation of chatID inside the
// current context window.
func (h *HistoryStore) Context(ctx context.Context, userID, chatID uint64) []HistoryMessage {
	reqs := TrimToContext(h.LoadRequestHistory(ctx, userID, chatID))
	if len(reqs) == 0 {
		return []HistoryMessage{}
	}
	ids := make([]uint64, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.ID)
	}
	return Merge(reqs, h.LoadResponseHistory(ctx, userID, chatID, ids))
}

// Transcript returns every stored turn of chatIDs, ignoring context
// boundaries, in chronological order.
func (h *HistoryStore) Transcript(ctx context.Context, userID uint64, chatIDs []uint64) []HistoryMessage {
	var reqs []RequestTurn
	var resps []ResponseTurn
	for _, id := range chatIDs {
		reqs = append(reqs, h.LoadRequestHistory(ctx, userID, id)...)
		resps = append(resps, h.LoadResponseHistory(ctx, userID, id, nil)...)
	}
	return Merge(reqs, resps)
}

// Merge pairs requests with their responses and orders the result oldest
// first. Request ids are assigned monotonically, so they order the turns.
func Merge(reqs []RequestTurn, resps []ResponseTurn) []HistoryMessage {
	byReq := make(map[uint64]ResponseTurn, len(resps))
	for _, r := range resps {
		if _, ok := byReq[r.ReqID]; !ok {
			byReq[r.ReqID] = r
		}
	}

	sorted := append([]RequestTurn(nil), reqs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	out := make([]HistoryMessage, 0, len(sorted)*2)
	for _, req := range sorted {
		q := HistoryMessage{
			Role:      RoleUser,
			Content:   req.Message,
			RequestID: req.ID,
			ChatID:    req.ChatID,
			CreatedAt: req.CreatedAt,
		}
		if req.Attachment != nil {
			q.ImageURL = req.Attachment.URL
		}
		out = append(out, q)

		resp, ok := byReq[req.ID]
		if !ok {
			continue
		}
		a := HistoryMessage{
			Role:      RoleAssistant,
			Content:   resp.Message,
			RequestID: req.ID,
			ChatID:    resp.ChatID,
			Sources:   resp.Sources,
			CreatedAt: resp.CreatedAt,
		}
		if resp.Reasoning != nil {
			a.Reasoning = resp.Reasoning.Content
		}
		out = append(out, a)
	}
	return out
}
