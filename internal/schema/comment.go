package schema

import "fmt"

// Comment is a collaborative note on a transcript, optionally anchored to
// a playback position.
type Comment struct {
	Meta
	TranscriptionID string   `json:"transcriptionId"`
	Text            string   `json:"text"`
	TimestampRef    *float64 `json:"timestampRef,omitempty"`
	ParentCommentID string   `json:"parentId,omitempty"`
}

// NewComment creates a comment authored by userID.
func NewComment(userID, transcriptionID, text string) *Comment {
	c := &Comment{TranscriptionID: transcriptionID, Text: text}
	c.UserID = userID
	c.init(NowMillis())
	return c
}

func (c *Comment) TableName() Table { return TableComments }
func (c *Comment) Parent() string   { return c.TranscriptionID }

// Validate checks required fields.
func (c *Comment) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.TranscriptionID == "" {
		return fmt.Errorf("transcriptionId is required")
	}
	if c.Text == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// CommentTopic is the realtime channel name for a transcript's comments.
func CommentTopic(transcriptionID string) string {
	return "comments:" + transcriptionID
}
