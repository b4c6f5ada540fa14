// Package models defines the domain types shared by every storage backend.
package models

import "encoding/json"

// EditorType selects how a note's content blob is shaped.
type EditorType string

const (
	EditorMarkdown  EditorType = "markdown"
	EditorBlocks    EditorType = "blocks"
	EditorFlowchart EditorType = "flowchart"
)

// Metrics is free-form numeric tracking attached to a System, Project or Note.
type Metrics map[string]float64

// Photo is an image owned by a note, system or project.
type Photo struct {
	ID      string `json:"id" yaml:"id"`
	URL     string `json:"url" yaml:"url"`
	Caption string `json:"caption,omitempty" yaml:"caption,omitempty"`
	AddedAt int64  `json:"addedAt" yaml:"addedAt"`
}

// VoiceRecording is an audio clip owned by a note, system or project.
type VoiceRecording struct {
	ID         string  `json:"id" yaml:"id"`
	URL        string  `json:"url" yaml:"url"`
	Duration   float64 `json:"duration" yaml:"duration"`
	Transcript string  `json:"transcript,omitempty" yaml:"transcript,omitempty"`
	CreatedAt  int64   `json:"createdAt" yaml:"createdAt"`
}

// SavedLink is a bookmarked URL.
type SavedLink struct {
	ID      string `json:"id" yaml:"id"`
	URL     string `json:"url" yaml:"url"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	AddedAt int64  `json:"addedAt" yaml:"addedAt"`
}

// Contact is a person associated with an entity.
type Contact struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Email   string `json:"email,omitempty" yaml:"email,omitempty"`
	Phone   string `json:"phone,omitempty" yaml:"phone,omitempty"`
	AddedAt int64  `json:"addedAt" yaml:"addedAt"`
}

// Attachment describes a binary file owned by a note.
type Attachment struct {
	ID        string `json:"id" yaml:"id"`
	Filename  string `json:"filename" yaml:"filename"`
	MimeType  string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
	Size      int64  `json:"size,omitempty" yaml:"size,omitempty"`
	CreatedAt int64  `json:"createdAt" yaml:"createdAt"`
}

// Project is owned by exactly one System.
type Project struct {
	ID              string            `json:"id" yaml:"id"`
	SystemID        string            `json:"systemId,omitempty" yaml:"systemId,omitempty"`
	Name            string            `json:"name" yaml:"name"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	Color           string            `json:"color,omitempty" yaml:"color,omitempty"`
	Icon            string            `json:"icon,omitempty" yaml:"icon,omitempty"`
	DetailNotes     string            `json:"detailNotes,omitempty" yaml:"detailNotes,omitempty"`
	CustomType      string            `json:"customType,omitempty" yaml:"customType,omitempty"`
	CustomField1    string            `json:"customField1,omitempty" yaml:"customField1,omitempty"`
	CustomField2    string            `json:"customField2,omitempty" yaml:"customField2,omitempty"`
	CustomField3    string            `json:"customField3,omitempty" yaml:"customField3,omitempty"`
	Tags            []string          `json:"tags" yaml:"tags"`
	TagColors       map[string]string `json:"tagColors,omitempty" yaml:"tagColors,omitempty"`
	Photos          []Photo           `json:"photos,omitempty" yaml:"photos,omitempty"`
	VoiceRecordings []VoiceRecording  `json:"voiceRecordings,omitempty" yaml:"voiceRecordings,omitempty"`
	Links           []SavedLink       `json:"links,omitempty" yaml:"links,omitempty"`
	Contacts        []Contact         `json:"contacts,omitempty" yaml:"contacts,omitempty"`
	Attachments     map[string]string `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Metrics         Metrics           `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	CreatedAt       int64             `json:"createdAt" yaml:"createdAt"`
	UpdatedAt       int64             `json:"updatedAt" yaml:"updatedAt"`
}

// System is the root container and owns its Projects.
type System struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	Color           string            `json:"color,omitempty" yaml:"color,omitempty"`
	Icon            string            `json:"icon,omitempty" yaml:"icon,omitempty"`
	DetailNotes     string            `json:"detailNotes,omitempty" yaml:"detailNotes,omitempty"`
	CustomType      string            `json:"customType,omitempty" yaml:"customType,omitempty"`
	CustomField1    string            `json:"customField1,omitempty" yaml:"customField1,omitempty"`
	CustomField2    string            `json:"customField2,omitempty" yaml:"customField2,omitempty"`
	CustomField3    string            `json:"customField3,omitempty" yaml:"customField3,omitempty"`
	Tags            []string          `json:"tags" yaml:"tags"`
	TagColors       map[string]string `json:"tagColors,omitempty" yaml:"tagColors,omitempty"`
	Photos          []Photo           `json:"photos,omitempty" yaml:"photos,omitempty"`
	VoiceRecordings []VoiceRecording  `json:"voiceRecordings,omitempty" yaml:"voiceRecordings,omitempty"`
	Links           []SavedLink       `json:"links,omitempty" yaml:"links,omitempty"`
	Contacts        []Contact         `json:"contacts,omitempty" yaml:"contacts,omitempty"`
	Attachments     map[string]string `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Metrics         Metrics           `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Projects        []Project         `json:"projects" yaml:"-"`
	CreatedAt       int64             `json:"createdAt" yaml:"createdAt"`
	UpdatedAt       int64             `json:"updatedAt" yaml:"updatedAt"`
}

// FindProject returns the project with the given id, or nil.
func (s *System) FindProject(id string) *Project {
	for i := range s.Projects {
		if s.Projects[i].ID == id {
			return &s.Projects[i]
		}
	}
	return nil
}

// UpsertProject replaces the project with the same id or appends it.
func (s *System) UpsertProject(p Project) {
	p.SystemID = s.ID
	for i := range s.Projects {
		if s.Projects[i].ID == p.ID {
			s.Projects[i] = p
			return
		}
	}
	s.Projects = append(s.Projects, p)
}

// RemoveProject drops the project with the given id and reports whether it existed.
func (s *System) RemoveProject(id string) bool {
	for i := range s.Projects {
		if s.Projects[i].ID == id {
			s.Projects = append(s.Projects[:i], s.Projects[i+1:]...)
			return true
		}
	}
	return false
}

// Note references its System and Project by id; it does not own them.
type Note struct {
	ID              string            `json:"id" yaml:"id"`
	SystemID        string            `json:"systemId" yaml:"systemId"`
	ProjectID       string            `json:"projectId" yaml:"projectId"`
	Title           string            `json:"title" yaml:"title"`
	Preview         string            `json:"preview,omitempty" yaml:"preview,omitempty"`
	Date            string            `json:"date,omitempty" yaml:"date,omitempty"`
	EditorType      EditorType        `json:"editorType" yaml:"editorType"`
	Content         json.RawMessage   `json:"content,omitempty" yaml:"-"`
	Favorite        bool              `json:"favorite,omitempty" yaml:"favorite,omitempty"`
	Color           string            `json:"color,omitempty" yaml:"color,omitempty"`
	Icon            string            `json:"icon,omitempty" yaml:"icon,omitempty"`
	CoverPhotoID    string            `json:"coverPhotoId,omitempty" yaml:"coverPhotoId,omitempty"`
	CustomType      string            `json:"customType,omitempty" yaml:"customType,omitempty"`
	CustomField1    string            `json:"customField1,omitempty" yaml:"customField1,omitempty"`
	CustomField2    string            `json:"customField2,omitempty" yaml:"customField2,omitempty"`
	CustomField3    string            `json:"customField3,omitempty" yaml:"customField3,omitempty"`
	DetailNotes     string            `json:"detailNotes,omitempty" yaml:"detailNotes,omitempty"`
	Tags            []string          `json:"tags" yaml:"tags"`
	TagColors       map[string]string `json:"tagColors,omitempty" yaml:"tagColors,omitempty"`
	Attachments     map[string]string `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Photos          []Photo           `json:"photos,omitempty" yaml:"photos,omitempty"`
	VoiceRecordings []VoiceRecording  `json:"voiceRecordings,omitempty" yaml:"voiceRecordings,omitempty"`
	Links           []SavedLink       `json:"links,omitempty" yaml:"links,omitempty"`
	Contacts        []Contact         `json:"contacts,omitempty" yaml:"contacts,omitempty"`
	Pages           json.RawMessage   `json:"pages,omitempty" yaml:"-"`
	Metrics         Metrics           `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	CreatedAt       int64             `json:"createdAt" yaml:"createdAt"`
	UpdatedAt       int64             `json:"updatedAt" yaml:"updatedAt"`
}

// IsTextEditor reports whether the note content is a plain markdown string.
func (n *Note) IsTextEditor() bool {
	return n.EditorType == "" || n.EditorType == EditorMarkdown
}

// MarkdownContent returns the content as a string when it is a JSON string,
// and the raw JSON otherwise.
func (n *Note) MarkdownContent() string {
	if len(n.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(n.Content, &s); err == nil {
		return s
	}
	return string(n.Content)
}

// SetMarkdownContent stores s as a JSON string content blob.
func (n *Note) SetMarkdownContent(s string) {
	raw, _ := json.Marshal(s)
	n.Content = raw
}

// Clone returns a deep copy via a JSON round trip.
func (n *Note) Clone() *Note {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil
	}
	var out Note
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}
