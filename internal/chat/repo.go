package chat

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the persistence contract of the engine. CRUD only.
type Repository interface {
	CreateBot(ctx context.Context, b *Bot) error
	GetBot(ctx context.Context, id uint64) (*Bot, error)

	CreateChat(ctx context.Context, c *Chat) error
	GetChat(ctx context.Context, id uint64) (*Chat, error)
	SetChatsDeleted(ctx context.Context, ids []uint64, deleted bool) (int64, error)
	DisableChat(ctx context.Context, id uint64) error

	InsertEdge(ctx context.Context, e *TreeEdge) error
	LatestEdge(ctx context.Context, rootChatID uint64) (*TreeEdge, error)
	ListEdges(ctx context.Context, rootChatID, userID uint64) ([]TreeEdge, error)
	FindEdgeByChild(ctx context.Context, childChatID, userID uint64) (*TreeEdge, error)

	CreateRequest(ctx context.Context, r *RequestTurn) error
	GetRequest(ctx context.Context, id uint64) (*RequestTurn, error)
	ListRequestsDesc(ctx context.Context, userID, chatID uint64, limit int) ([]RequestTurn, error)

	ListResponses(ctx context.Context, userID, chatID uint64, reqIDs []uint64) ([]ResponseTurn, error)
	SaveResponse(ctx context.Context, resp *ResponseTurn, reason *ReasonRecord) error
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

var _ Repository = (*Repo)(nil)

func (r *Repo) CreateBot(ctx context.Context, b *Bot) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *Repo) GetBot(ctx context.Context, id uint64) (*Bot, error) {
	var b Bot
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetChat(ctx context.Context, id uint64) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) SetChatsDeleted(ctx context.Context, ids []uint64, deleted bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var flag int8
	if deleted {
		flag = 1
	}
	res := r.db.WithContext(ctx).Model(&Chat{}).
		Where("id IN ?", ids).
		Update("is_delete", flag)
	return res.RowsAffected, res.Error
}

func (r *Repo) DisableChat(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ?", id).
		Update("enable", 0).Error
}

// InsertEdge assigns e.Seq = max(seq)+1 for e.RootChatID and inserts the row
// in one transaction. A concurrent writer on the same root loses on the
// (root_chat_id, seq) unique index with gorm.ErrDuplicatedKey.
func (r *Repo) InsertEdge(ctx context.Context, e *TreeEdge) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq uint64
		if err := tx.Model(&TreeEdge{}).
			Where("root_chat_id = ?", e.RootChatID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		e.ID = 0
		e.Seq = maxSeq + 1
		return tx.Create(e).Error
	})
}

// LatestEdge is a single ordered lookup on (root_chat_id, seq).
func (r *Repo) LatestEdge(ctx context.Context, rootChatID uint64) (*TreeEdge, error) {
	var e TreeEdge
	if err := r.db.WithContext(ctx).
		Where("root_chat_id = ? AND child_chat_id <> 0", rootChatID).
		Order("seq DESC").
		Take(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repo) ListEdges(ctx context.Context, rootChatID, userID uint64) ([]TreeEdge, error) {
	var edges []TreeEdge
	if err := r.db.WithContext(ctx).
		Where("root_chat_id = ? AND user_id = ?", rootChatID, userID).
		Order("seq ASC").
		Find(&edges).Error; err != nil {
		return nil, err
	}
	return edges, nil
}

func (r *Repo) FindEdgeByChild(ctx context.Context, childChatID, userID uint64) (*TreeEdge, error) {
	var e TreeEdge
	if err := r.db.WithContext(ctx).
		Where("child_chat_id = ? AND user_id = ?", childChatID, userID).
		Order("id ASC").
		Take(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repo) CreateRequest(ctx context.Context, req *RequestTurn) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *Repo) GetRequest(ctx context.Context, id uint64) (*RequestTurn, error) {
	var req RequestTurn
	if err := r.db.WithContext(ctx).
		Preload("Attachment").
		First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// ListRequestsDesc returns requests newest -> oldest, attachments preloaded.
func (r *Repo) ListRequestsDesc(ctx context.Context, userID, chatID uint64, limit int) ([]RequestTurn, error) {
	if limit <= 0 {
		limit = 500
	}
	var reqs []RequestTurn
	if err := r.db.WithContext(ctx).
		Preload("Attachment").
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Order("id DESC").
		Limit(limit).
		Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

// ListResponses returns responses newest -> oldest with reasoning and sources
// joined by request id. A nil/empty reqIDs means every response of the chat.
func (r *Repo) ListResponses(ctx context.Context, userID, chatID uint64, reqIDs []uint64) ([]ResponseTurn, error) {
	q := r.db.WithContext(ctx).
		Preload("Reasoning").
		Preload("Sources").
		Where("user_id = ? AND chat_id = ?", userID, chatID)
	if len(reqIDs) > 0 {
		q = q.Where("req_id IN ?", reqIDs)
	}
	var resps []ResponseTurn
	if err := q.Order("id DESC").Find(&resps).Error; err != nil {
		return nil, err
	}
	return resps, nil
}

// SaveResponse upserts the response keyed by ReqID, so re-answering a
// request overwrites its previous answer. A nil reason removes any reasoning
// left over from an earlier answer.
func (r *Repo) SaveResponse(ctx context.Context, resp *ResponseTurn, reason *ReasonRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "req_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"message", "content", "type", "url", "updated_at"}),
		}).Create(resp).Error; err != nil {
			return errors.Wrap(err, "save response")
		}
		if reason == nil {
			if err := tx.Where("req_id = ?", resp.ReqID).Delete(&ReasonRecord{}).Error; err != nil {
				return errors.Wrap(err, "clear reasoning")
			}
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "req_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "thinking_elapsed_sec", "updated_at"}),
		}).Create(reason).Error; err != nil {
			return errors.Wrap(err, "save reasoning")
		}
		return nil
	})
}
