package chat

import "time"

// titleLimit caps a session title derived from its first message.
const titleLimit = 50

type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(200)" json:"title"`
	CreatedAt time.Time `json:"created_at"`

	Messages []Message `gorm:"foreignKey:SessionID;references:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_session_created,priority:1" json:"session_id"`
	UserID     uint64    `gorm:"not null;index" json:"-"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	IsFromUser bool      `gorm:"not null" json:"is_from_user"`
	CreatedAt  time.Time `gorm:"index:idx_chat_msg_session_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// SessionTitle derives a title from the first user message of a new
// conversation.
func SessionTitle(seed string) string {
	runes := []rune(seed)
	if len(runes) > titleLimit {
		runes = runes[:titleLimit]
	}
	return string(runes)
}
