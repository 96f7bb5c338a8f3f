package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const appendEdgeRetries = 3

// Tree maintains the restart/re-answer branch structure of conversations.
//
// Every branch is an append-only log of edges under one root chat id. The
// current chat id of a branch is the child of the edge with the largest
// per-root sequence number; timestamps play no part in it.
type Tree struct {
	repo Repository

	// serialises AppendEdge per root inside this process; the unique
	// (root, seq) index covers writers in other processes.
	locks sync.Map // uint64 -> *sync.Mutex
}

func NewTree(repo Repository) *Tree {
	return &Tree{repo: repo}
}

func (t *Tree) rootLock(root uint64) *sync.Mutex {
	v, _ := t.locks.LoadOrStore(root, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CurrentChatID returns the child of the newest edge of rootChatID, or
// rootChatID itself when the root has no edges yet.
func (t *Tree) CurrentChatID(ctx context.Context, rootChatID uint64) (uint64, error) {
	e, err := t.repo.LatestEdge(ctx, rootChatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rootChatID, nil
		}
		return 0, errors.Wrapf(err, "latest edge of root %d", rootChatID)
	}
	return e.ChildChatID, nil
}

// RootOf returns the root of the branch chatID belongs to. A chat that never
// took part in a restart is its own root.
func (t *Tree) RootOf(ctx context.Context, userID, chatID uint64) (uint64, error) {
	e, err := t.repo.FindEdgeByChild(ctx, chatID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chatID, nil
		}
		return 0, errors.Wrapf(err, "edge of child %d", chatID)
	}
	return e.RootChatID, nil
}

// BranchChatIDs returns every chat id that has been part of the branch,
// root included. Order is unspecified, ids are unique.
func (t *Tree) BranchChatIDs(ctx context.Context, rootChatID, userID uint64) ([]uint64, error) {
	edges, err := t.repo.ListEdges(ctx, rootChatID, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "edges of root %d", rootChatID)
	}
	seen := map[uint64]struct{}{rootChatID: {}}
	ids := []uint64{rootChatID}
	add := func(id uint64) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, e := range edges {
		add(e.ParentChatID)
		add(e.ChildChatID)
	}
	return ids, nil
}

// AppendEdge records that childChatID continues the branch of rootChatID.
// The child chat row must already exist.
func (t *Tree) AppendEdge(ctx context.Context, rootChatID, parentChatID, childChatID, userID uint64) (*TreeEdge, error) {
	mu := t.rootLock(rootChatID)
	mu.Lock()
	defer mu.Unlock()
	return t.appendEdge(ctx, rootChatID, parentChatID, childChatID, userID)
}

// Continue makes childChatID the current chat of rootChatID's branch and
// returns the chat it continues. The first continuation also records the
// root itself as the branch's first entry. Both happen under the root lock.
func (t *Tree) Continue(ctx context.Context, rootChatID, childChatID, userID uint64) (uint64, error) {
	mu := t.rootLock(rootChatID)
	mu.Lock()
	defer mu.Unlock()

	parent := rootChatID
	e, err := t.repo.LatestEdge(ctx, rootChatID)
	switch {
	case err == nil:
		parent = e.ChildChatID
	case errors.Is(err, gorm.ErrRecordNotFound):
		if _, err := t.appendEdge(ctx, rootChatID, 0, rootChatID, userID); err != nil {
			return 0, err
		}
	default:
		return 0, errors.Wrapf(err, "latest edge of root %d", rootChatID)
	}

	if _, err := t.appendEdge(ctx, rootChatID, parent, childChatID, userID); err != nil {
		return 0, err
	}
	return parent, nil
}

// appendEdge expects the root lock to be held.
func (t *Tree) appendEdge(ctx context.Context, rootChatID, parentChatID, childChatID, userID uint64) (*TreeEdge, error) {
	var lastErr error
	for attempt := 0; attempt < appendEdgeRetries; attempt++ {
		e := &TreeEdge{
			RootChatID:   rootChatID,
			ParentChatID: parentChatID,
			ChildChatID:  childChatID,
			UserID:       userID,
		}
		err := t.repo.InsertEdge(ctx, e)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errors.Wrap(err, "insert tree edge")
		}
		lastErr = err
		log.Debug().Uint64("root_chat_id", rootChatID).Int("attempt", attempt+1).
			Msg("tree edge sequence taken by another writer, retrying")
	}
	return nil, errors.Wrap(lastErr, "insert tree edge")
}

// Reactivate clears the soft-delete flag on chatIDs. Enable is left alone.
func (t *Tree) Reactivate(ctx context.Context, chatIDs []uint64) error {
	if len(chatIDs) == 0 {
		return nil
	}
	n, err := t.repo.SetChatsDeleted(ctx, chatIDs, false)
	if err != nil {
		return errors.Wrap(err, "reactivate chats")
	}
	log.Debug().Uints64("chat_ids", chatIDs).Int64("rows", n).Msg("chats reactivated")
	return nil
}

// SoftDelete flags every chat in chatIDs as deleted.
func (t *Tree) SoftDelete(ctx context.Context, chatIDs []uint64) error {
	if len(chatIDs) == 0 {
		return nil
	}
	n, err := t.repo.SetChatsDeleted(ctx, chatIDs, true)
	if err != nil {
		return errors.Wrap(err, "delete chats")
	}
	log.Debug().Uints64("chat_ids", chatIDs).Int64("rows", n).Msg("chats soft-deleted")
	return nil
}
