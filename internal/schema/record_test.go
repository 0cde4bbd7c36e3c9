package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr bool
		errMsg  string
	}{
		{name: "valid task", mutate: func(*Task) {}},
		{
			name:    "missing id",
			mutate:  func(tk *Task) { tk.ID = "" },
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing title",
			mutate:  func(tk *Task) { tk.Title = "" },
			wantErr: true,
			errMsg:  "title is required",
		},
		{
			name:    "title too long",
			mutate:  func(tk *Task) { tk.Title = strings.Repeat("x", 501) },
			wantErr: true,
			errMsg:  "title must be 500 characters or less",
		},
		{
			name:    "invalid status",
			mutate:  func(tk *Task) { tk.Status = "blocked" },
			wantErr: true,
			errMsg:  "invalid status",
		},
		{
			name:    "invalid priority",
			mutate:  func(tk *Task) { tk.Priority = "urgent" },
			wantErr: true,
			errMsg:  "invalid priority",
		},
		{
			name:    "missing updatedAt",
			mutate:  func(tk *Task) { tk.UpdatedAt = 0 },
			wantErr: true,
			errMsg:  "updatedAt is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask("Call the client")
			tt.mutate(task)

			err := task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.errMsg)
			}
		})
	}
}

func TestMeta_TouchIsMonotonic(t *testing.T) {
	task := NewTask("Monotonic")
	task.UpdatedAt = 5000

	task.Touch(4000)
	if task.UpdatedAt != 5001 {
		t.Errorf("Touch with older clock: UpdatedAt = %d, want 5001", task.UpdatedAt)
	}

	task.Touch(9000)
	if task.UpdatedAt != 9000 {
		t.Errorf("Touch with newer clock: UpdatedAt = %d, want 9000", task.UpdatedAt)
	}
}

func TestTask_SetStatus(t *testing.T) {
	task := NewTask("Ship it")
	task.SetStatus(TaskDone, task.UpdatedAt+10)
	if task.CompletedAt == 0 {
		t.Error("CompletedAt not set when task is done")
	}

	task.SetStatus(TaskTodo, task.UpdatedAt+10)
	if task.CompletedAt != 0 {
		t.Errorf("CompletedAt = %d after reopening, want 0", task.CompletedAt)
	}
}

func TestToRecord(t *testing.T) {
	c := NewComment("user-1", "tr-1", "Nice quote at 02:10")
	rec, err := ToRecord(c)
	if err != nil {
		t.Fatalf("ToRecord() failed: %v", err)
	}

	if rec.Table != TableComments {
		t.Errorf("Table = %q, want %q", rec.Table, TableComments)
	}
	if rec.ID != c.ID || rec.OwnerID != "user-1" || rec.ParentID != "tr-1" {
		t.Errorf("envelope header = %+v, want id=%s owner=user-1 parent=tr-1", rec, c.ID)
	}
	if rec.UpdatedAt != c.UpdatedAt || rec.CreatedAt != c.CreatedAt {
		t.Errorf("clocks = (%d,%d), want (%d,%d)", rec.CreatedAt, rec.UpdatedAt, c.CreatedAt, c.UpdatedAt)
	}

	var back Comment
	if err := Decode(rec, &back); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if back.Text != c.Text {
		t.Errorf("decoded Text = %q, want %q", back.Text, c.Text)
	}
}

func TestToRecord_Invalid(t *testing.T) {
	c := NewComment("user-1", "tr-1", "")
	if _, err := ToRecord(c); err == nil {
		t.Fatal("ToRecord() accepted a comment without text")
	}
}

func TestDecode_WrongTable(t *testing.T) {
	rec, err := ToRecord(NewTask("A task"))
	if err != nil {
		t.Fatalf("ToRecord() failed: %v", err)
	}
	var c Comment
	if err := Decode(rec, &c); err == nil {
		t.Fatal("Decode() accepted a task record into a comment")
	}
}

func TestRecordToRow(t *testing.T) {
	task := NewTask("Draft minutes")
	task.TranscriptionID = "tr-9"
	task.DueDate = "2026-11-01"
	rec, err := ToRecord(task)
	if err != nil {
		t.Fatalf("ToRecord() failed: %v", err)
	}

	row, err := RecordToRow(rec, "principal-7")
	if err != nil {
		t.Fatalf("RecordToRow() failed: %v", err)
	}

	checks := map[string]any{
		"id":               task.ID,
		"user_id":          "principal-7",
		"transcription_id": "tr-9",
		"due_date":         "2026-11-01",
		"title":            "Draft minutes",
	}
	for col, want := range checks {
		if row[col] != want {
			t.Errorf("row[%q] = %v, want %v", col, row[col], want)
		}
	}
	if row.UpdatedAt() != task.UpdatedAt {
		t.Errorf("row.UpdatedAt() = %d, want %d", row.UpdatedAt(), task.UpdatedAt)
	}
	if _, ok := row["dueDate"]; ok {
		t.Error("camelCase key leaked into row")
	}
}

func TestRowToRecord(t *testing.T) {
	row := Row{
		"id":               "c-1",
		"user_id":          "u-2",
		"transcription_id": "tr-3",
		"text":             "hello",
		"created_at":       json.Number("1700000000000"),
		"updated_at":       float64(1700000000500),
	}

	rec, err := RowToRecord(TableComments, row)
	if err != nil {
		t.Fatalf("RowToRecord() failed: %v", err)
	}
	if rec.OwnerID != "u-2" || rec.ParentID != "tr-3" {
		t.Errorf("header = %+v", rec)
	}
	if rec.CreatedAt != 1700000000000 || rec.UpdatedAt != 1700000000500 {
		t.Errorf("clocks = (%d,%d)", rec.CreatedAt, rec.UpdatedAt)
	}

	var c Comment
	if err := Decode(rec, &c); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if c.UserID != "u-2" || c.TranscriptionID != "tr-3" || c.Text != "hello" {
		t.Errorf("decoded comment = %+v", c)
	}
}

func TestRowToRecord_MissingID(t *testing.T) {
	if _, err := RowToRecord(TableTasks, Row{"title": "x"}); err == nil {
		t.Fatal("RowToRecord() accepted a row without id")
	}
}

func TestCaseConversion(t *testing.T) {
	tests := []struct {
		camel string
		snake string
	}{
		{"id", "id"},
		{"userId", "user_id"},
		{"audioFileUrl", "audio_file_url"},
		{"isStarred", "is_starred"},
		{"transcriptionId", "transcription_id"},
	}
	for _, tt := range tests {
		if got := ToSnake(tt.camel); got != tt.snake {
			t.Errorf("ToSnake(%q) = %q, want %q", tt.camel, got, tt.snake)
		}
		if got := ToCamel(tt.snake); got != tt.camel {
			t.Errorf("ToCamel(%q) = %q, want %q", tt.snake, got, tt.camel)
		}
	}
}

func TestParseTable(t *testing.T) {
	if _, err := ParseTable("tasks"); err != nil {
		t.Errorf("ParseTable(tasks) failed: %v", err)
	}
	if _, err := ParseTable("profiles"); err == nil {
		t.Error("ParseTable(profiles) should fail")
	}
}

func TestTask_AssigneeIsNotOwner(t *testing.T) {
	task := NewTask("Send minutes")
	task.UserID = "user-1"
	task.Assignee = "Bob"

	var e Entity = task
	if e.Owner() != "user-1" {
		t.Errorf("Owner() = %q, want user-1", e.Owner())
	}

	rec, err := ToRecord(task)
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if rec.OwnerID != "user-1" {
		t.Errorf("OwnerID = %q, want user-1", rec.OwnerID)
	}
	if !strings.Contains(string(rec.Data), `"owner":"Bob"`) {
		t.Errorf("assignee should travel as owner, got %s", rec.Data)
	}

	var got Task
	if err := Decode(rec, &got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Assignee != "Bob" || got.UserID != "user-1" {
		t.Errorf("decoded assignee=%q userId=%q", got.Assignee, got.UserID)
	}
}
