package schema

import (
	"encoding/json"
	"fmt"
)

// Analysis is the AI analysis attached to a transcript. Its sections are
// produced by the analysis collaborator and carried as opaque JSON.
type Analysis struct {
	Meta
	TranscriptionID string          `json:"transcriptionId"`
	Summary         string          `json:"summary"`
	KeyTopics       json.RawMessage `json:"keyTopics,omitempty"`
	Sentiment       json.RawMessage `json:"sentiment,omitempty"`
	ActionItems     json.RawMessage `json:"actionItems,omitempty"`
	Decisions       json.RawMessage `json:"decisions,omitempty"`
	MeetingMinutes  json.RawMessage `json:"meetingMinutes,omitempty"`
	FollowUps       json.RawMessage `json:"followUps,omitempty"`
	CustomQueries   json.RawMessage `json:"customQueries,omitempty"`
}

// NewAnalysis creates an analysis for a transcript.
func NewAnalysis(transcriptionID, summary string) *Analysis {
	a := &Analysis{TranscriptionID: transcriptionID, Summary: summary}
	a.init(NowMillis())
	return a
}

func (a *Analysis) TableName() Table { return TableAnalyses }
func (a *Analysis) Parent() string   { return a.TranscriptionID }

// Validate checks required fields.
func (a *Analysis) Validate() error {
	if err := a.validate(); err != nil {
		return err
	}
	if a.TranscriptionID == "" {
		return fmt.Errorf("transcriptionId is required")
	}
	return nil
}
