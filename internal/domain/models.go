// Package domain defines the persistence models for users, study materials,
// their AI-derived artifacts (decks, quizzes), and chat transcripts. These
// types are mapped with GORM and form the core data layer of the study
// backend.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// MaterialType is the closed classification of an uploaded file.
type MaterialType string

const (
	MaterialPDF        MaterialType = "PDF"
	MaterialPowerPoint MaterialType = "POWERPOINT"
	MaterialWord       MaterialType = "WORD"
	MaterialImage      MaterialType = "IMAGE"
	MaterialAudio      MaterialType = "AUDIO"
	// MaterialRefText is the permissive fallback for unrecognized MIME types.
	MaterialRefText MaterialType = "Ref_TEXT"
)

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Defaults applied to rows created from AI extraction output.
const (
	DefaultUserName        = "Student"
	RoleStudent            = "STUDENT"
	DefaultDeckTitle       = "Key Concepts"
	DefaultQuizTitle       = "Practice Quiz"
	DefaultDifficulty      = "MEDIUM"
	DefaultQuizExplanation = "Generated by AI"
)

// User is the ownership anchor for materials. Its primary key is the
// identity provider's subject id, so rows are created lazily the first time
// an authenticated subject touches the API.
type User struct {
	ID        string    `json:"id"         gorm:"type:varchar(64);primaryKey"`
	Email     string    `json:"email"      gorm:"type:varchar(255);index"`
	Name      string    `json:"name"       gorm:"type:varchar(255);not null;default:'Student'"`
	Role      string    `json:"role"       gorm:"type:varchar(16);not null;default:'STUDENT'"`
	Level     int       `json:"level"      gorm:"not null;default:1"`
	XP        int       `json:"xp"         gorm:"not null;default:0"`
	Streak    int       `json:"streak"     gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Material is an uploaded study document. ContentURL and StoragePath are set
// once at creation and never updated; Summary and the derived artifacts are
// attached afterwards when extraction succeeds.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - UserID: owner; every lookup filters on it together with ID.
//   - Title: NFC-normalized original filename.
//   - Type: MaterialType classification.
//   - ContentURL: public blob URL handed to the AI service.
//   - StoragePath: object key inside the bucket, used for removal.
//   - Summary / Language: optional, nil until known.
type Material struct {
	ID          string       `json:"id"           gorm:"type:char(36);primaryKey"`
	UserID      string       `json:"user_id"      gorm:"type:varchar(64);not null;index:idx_user_materials,priority:1"`
	Title       string       `json:"title"        gorm:"type:varchar(255);not null"`
	Type        MaterialType `json:"type"         gorm:"type:varchar(16);not null"`
	ContentURL  string       `json:"content_url"  gorm:"type:text;not null"`
	StoragePath string       `json:"-"            gorm:"type:text;not null"`
	Summary     *string      `json:"summary"      gorm:"type:text"`
	Language    *string      `json:"language"     gorm:"type:varchar(35)"`
	CreatedAt   time.Time    `json:"created_at"   gorm:"index:idx_user_materials,priority:2"`
	UpdatedAt   time.Time    `json:"updated_at"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Material.
func (Material) TableName() string { return "materials" }

// Deck groups the flashcards extracted from one material. A material has at
// most one deck; the unique index on material_id enforces it.
type Deck struct {
	ID         string      `json:"id"          gorm:"type:char(36);primaryKey"`
	MaterialID string      `json:"material_id" gorm:"type:char(36);not null;uniqueIndex"`
	Title      string      `json:"title"       gorm:"type:varchar(255);not null"`
	CreatedAt  time.Time   `json:"created_at"`
	Cards      []Flashcard `json:"cards"       gorm:"foreignKey:DeckID"`

	Material Material `json:"-" gorm:"foreignKey:MaterialID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Deck.
func (Deck) TableName() string { return "decks" }

// Flashcard is one front/back pair. Position preserves extraction order.
type Flashcard struct {
	ID         string `json:"id"         gorm:"type:char(36);primaryKey"`
	DeckID     string `json:"deck_id"    gorm:"type:char(36);not null;index:idx_deck_cards,priority:1"`
	Position   int    `json:"position"   gorm:"not null;index:idx_deck_cards,priority:2"`
	Front      string `json:"front"      gorm:"type:text;not null"`
	Back       string `json:"back"       gorm:"type:text;not null"`
	Difficulty string `json:"difficulty" gorm:"type:varchar(16);not null;default:'MEDIUM'"`

	Deck Deck `json:"-" gorm:"foreignKey:DeckID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Flashcard.
func (Flashcard) TableName() string { return "flashcards" }

// Quiz groups the multiple-choice questions extracted from one material, at
// most one per material.
type Quiz struct {
	ID         string     `json:"id"          gorm:"type:char(36);primaryKey"`
	MaterialID string     `json:"material_id" gorm:"type:char(36);not null;uniqueIndex"`
	Title      string     `json:"title"       gorm:"type:varchar(255);not null"`
	CreatedAt  time.Time  `json:"created_at"`
	Questions  []Question `json:"questions"   gorm:"foreignKey:QuizID"`

	Material Material `json:"-" gorm:"foreignKey:MaterialID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Quiz.
func (Quiz) TableName() string { return "quizzes" }

// Question is a single quiz item. Options is stored as a JSON array.
type Question struct {
	ID            string                      `json:"id"             gorm:"type:char(36);primaryKey"`
	QuizID        string                      `json:"quiz_id"        gorm:"type:char(36);not null;index:idx_quiz_questions,priority:1"`
	Position      int                         `json:"position"       gorm:"not null;index:idx_quiz_questions,priority:2"`
	Prompt        string                      `json:"question"       gorm:"type:text;not null"`
	Options       datatypes.JSONSlice[string] `json:"options"        gorm:"not null"`
	CorrectAnswer string                      `json:"correct_answer" gorm:"type:text;not null"`
	Explanation   *string                     `json:"explanation"    gorm:"type:text"`

	Quiz Quiz `json:"-" gorm:"foreignKey:QuizID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Question.
func (Question) TableName() string { return "questions" }

// ChatMessage is one turn of a material's transcript. Rows are append-only;
// CreatedAt establishes conversation order.
type ChatMessage struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	MaterialID string    `json:"material_id" gorm:"type:char(36);not null;index:idx_material_msgs,priority:1"`
	Role       string    `json:"role"        gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content    string    `json:"content"     gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"created_at"  gorm:"not null;index:idx_material_msgs,priority:2"`

	Material Material `json:"-" gorm:"foreignKey:MaterialID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }
