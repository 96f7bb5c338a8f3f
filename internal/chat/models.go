package chat

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type BotKind string

const (
	BotKindLLM      BotKind = "llm"
	BotKindWorkflow BotKind = "workflow"
)

// Bot is the generation profile a chat is bound to.
type Bot struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string    `gorm:"type:varchar(128);not null" json:"name"`
	Kind           BotKind   `gorm:"type:varchar(16);not null" json:"kind"`
	SystemPrompt   string    `gorm:"type:text" json:"system_prompt"`
	Provider       string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model          string    `gorm:"type:varchar(64);not null" json:"model"`
	SupportContext bool      `gorm:"not null" json:"support_context"`
	MaxInputTokens int       `json:"max_input_tokens"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Bot) TableName() string { return "chat_bots" }

// Chat is one conversational context. Rows are soft-deleted only; Enable
// drops to 0 when content is flagged and never comes back.
type Chat struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        uint64    `gorm:"index;not null" json:"-"`
	BotID         uint64    `gorm:"index;not null" json:"bot_id"`
	Title         string    `gorm:"type:varchar(255)" json:"title"`
	Enable        int8      `gorm:"not null" json:"enable"`
	IsDelete      int8      `gorm:"not null;index" json:"-"`
	BoundFileID   *string   `gorm:"type:varchar(64)" json:"file_id,omitempty"`
	BoundPluginID *string   `gorm:"type:varchar(64)" json:"plugin_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chat_list" }

// TreeEdge links a child chat to the branch rooted at RootChatID. Seq is a
// per-root monotonic counter; the edge with the largest Seq is current.
type TreeEdge struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	RootChatID   uint64    `gorm:"not null;uniqueIndex:uniq_chat_tree_root_seq,priority:1" json:"root_chat_id"`
	Seq          uint64    `gorm:"not null;uniqueIndex:uniq_chat_tree_root_seq,priority:2" json:"seq"`
	ParentChatID uint64    `gorm:"not null" json:"parent_chat_id"`
	ChildChatID  uint64    `gorm:"index;not null" json:"child_chat_id"`
	UserID       uint64    `gorm:"index;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (TreeEdge) TableName() string { return "chat_tree_index" }

// RequestTurn is one user message. NewContext=1 marks a turn that belongs to
// the live context window; history stops at the first turn carrying 0.
type RequestTurn struct {
	ID         uint64             `gorm:"primaryKey;autoIncrement" json:"id"`
	ChatID     uint64             `gorm:"not null;index:idx_chat_req_user_chat,priority:2" json:"chat_id"`
	UserID     uint64             `gorm:"not null;index:idx_chat_req_user_chat,priority:1" json:"-"`
	Message    string             `gorm:"type:text;not null" json:"message"`
	NewContext int8               `gorm:"not null" json:"new_context"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Attachment *RequestAttachment `gorm:"foreignKey:ReqID" json:"attachment,omitempty"`
}

func (RequestTurn) TableName() string { return "chat_req_records" }

type RequestAttachment struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ReqID     uint64    `gorm:"uniqueIndex;not null" json:"-"`
	ChatID    uint64    `gorm:"index;not null" json:"-"`
	UserID    uint64    `gorm:"not null" json:"-"`
	Type      string    `gorm:"type:varchar(32)" json:"type"`
	URL       string    `gorm:"type:varchar(1024)" json:"url"`
	ImgDesc   string    `gorm:"type:text" json:"img_desc,omitempty"`
	OCRResult string    `gorm:"type:text" json:"ocr_result,omitempty"`
	DataID    string    `gorm:"type:varchar(64)" json:"data_id,omitempty"`
	CreatedAt time.Time `json:"-"`
}

func (RequestAttachment) TableName() string { return "chat_req_model" }

// ResponseTurn answers exactly one RequestTurn.
type ResponseTurn struct {
	ID        uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	ReqID     uint64        `gorm:"uniqueIndex;not null" json:"req_id"`
	ChatID    uint64        `gorm:"not null;index:idx_chat_resp_user_chat,priority:2" json:"chat_id"`
	UserID    uint64        `gorm:"not null;index:idx_chat_resp_user_chat,priority:1" json:"-"`
	Message   string        `gorm:"type:longtext" json:"message"`
	Content   string        `gorm:"type:longtext" json:"content,omitempty"`
	Type      string        `gorm:"type:varchar(32)" json:"type,omitempty"`
	URL       string        `gorm:"type:varchar(1024)" json:"url,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Reasoning *ReasonRecord `gorm:"foreignKey:ReqID;references:ReqID" json:"reasoning,omitempty"`
	Sources   []TraceSource `gorm:"foreignKey:ReqID;references:ReqID" json:"sources,omitempty"`
}

func (ResponseTurn) TableName() string { return "chat_resp_records" }

type ReasonRecord struct {
	ID                 uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ReqID              uint64    `gorm:"uniqueIndex;not null" json:"-"`
	ChatID             uint64    `gorm:"index;not null" json:"-"`
	UserID             uint64    `gorm:"not null" json:"-"`
	Content            string    `gorm:"type:longtext" json:"content"`
	ThinkingElapsedSec int64     `json:"thinking_elapsed_secs"`
	CreatedAt          time.Time `json:"-"`
	UpdatedAt          time.Time `json:"-"`
}

func (ReasonRecord) TableName() string { return "chat_reason_records" }

type TraceSource struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ReqID     uint64    `gorm:"index;not null" json:"-"`
	ChatID    uint64    `gorm:"index;not null" json:"-"`
	UserID    uint64    `gorm:"not null" json:"-"`
	Type      string    `gorm:"type:varchar(32)" json:"type"`
	Content   string    `gorm:"type:longtext" json:"content"`
	CreatedAt time.Time `json:"-"`
}

func (TraceSource) TableName() string { return "chat_trace_source" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&Bot{}, &Chat{}, &TreeEdge{},
		&RequestTurn{}, &RequestAttachment{},
		&ResponseTurn{}, &ReasonRecord{}, &TraceSource{},
	}
}
