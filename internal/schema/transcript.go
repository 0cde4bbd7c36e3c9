package schema

import (
	"encoding/json"
	"fmt"
)

// TranscriptStatus tracks where a transcript is in its pipeline.
type TranscriptStatus string

const (
	TranscriptIdle          TranscriptStatus = "idle"
	TranscriptRecording     TranscriptStatus = "recording"
	TranscriptUploading     TranscriptStatus = "uploading"
	TranscriptTranscribing  TranscriptStatus = "transcribing"
	TranscriptAnalyzing     TranscriptStatus = "analyzing"
	TranscriptCompleted     TranscriptStatus = "completed"
	TranscriptError         TranscriptStatus = "error"
	TranscriptQueuedOffline TranscriptStatus = "queued-offline"
)

// Transcript is a transcribed recording.
//
// Segments are produced by the transcription collaborator and are carried
// as opaque JSON.
type Transcript struct {
	Meta
	Title            string           `json:"title"`
	Mode             string           `json:"mode"`
	DetectedMode     string           `json:"detectedMode,omitempty"`
	Status           TranscriptStatus `json:"status"`
	Language         string           `json:"language"`
	DetectedLanguage string           `json:"detectedLanguage,omitempty"`
	Segments         json.RawMessage  `json:"segments,omitempty"`
	RawText          string           `json:"rawText"`
	AudioFileURL     string           `json:"audioFileUrl,omitempty"`
	AudioDuration    float64          `json:"audioDuration"`
	AudioFileName    string           `json:"audioFileName,omitempty"`
	ProjectID        string           `json:"projectId,omitempty"`
	FolderID         string           `json:"folderId,omitempty"`
	Tags             []string         `json:"tags"`
	AnalysisID       string           `json:"analysisId,omitempty"`
	IsStarred        bool             `json:"isStarred"`
	SharedWith       []string         `json:"sharedWith,omitempty"`
}

// NewTranscript creates a transcript with fresh id and clocks.
func NewTranscript(title string) *Transcript {
	t := &Transcript{
		Title:    title,
		Mode:     "general",
		Status:   TranscriptIdle,
		Language: "en",
		Tags:     []string{},
	}
	t.init(NowMillis())
	return t
}

func (t *Transcript) TableName() Table { return TableTranscripts }
func (t *Transcript) Parent() string   { return "" }

// Validate checks required fields.
func (t *Transcript) Validate() error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}
