package demoit

import (
	"encoding/json"

	"github.com/livetemplate/demoit/internal/filestore"
)

// FileRecord is a single demo file.
type FileRecord = filestore.Record

// DemoState is the persisted shape of a demo. The JSON keys are the wire
// contract of the demo store.
type DemoState struct {
	Name         string            `json:"name"`
	Description  string            `json:"desc"`
	Published    bool              `json:"published"`
	Editor       EditorSettings    `json:"editor"`
	Dependencies []string          `json:"dependencies"`
	Files        filestore.Files   `json:"files"`
	Story        []json.RawMessage `json:"story"`
	Version      int               `json:"v"`
	DemoID       string            `json:"demoId,omitempty"`
	Owner        string            `json:"owner,omitempty"`
}

// EditorSettings holds the editor preferences saved with a demo.
type EditorSettings struct {
	Theme     string          `json:"theme"`
	StatusBar bool            `json:"statusBar"`
	Layout    json.RawMessage `json:"layout,omitempty"`
}

// Metadata is the descriptive part of a demo. ID is empty until the demo
// has been saved once.
type Metadata struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Published   bool   `json:"published"`
}

// DefaultTheme is the editor theme of a new demo.
const DefaultTheme = "light"

// DefaultLayout is the editor layout of a new demo: the file editor next to
// the output panel.
var DefaultLayout = json.RawMessage(`{"direction":"horizontal","sizes":[50,50],"elements":[{"name":"editor"},{"name":"output"}]}`)

// DefaultState returns the state of a new, empty demo.
func DefaultState() DemoState {
	return DemoState{
		Editor: EditorSettings{
			Theme:  DefaultTheme,
			Layout: cloneRaw(DefaultLayout),
		},
		Dependencies: []string{},
		Files:        filestore.Files{},
		Story:        []json.RawMessage{},
	}
}

// normalize fills in settings a loaded state may leave out.
func (s *DemoState) normalize() {
	if s.Editor.Theme == "" {
		s.Editor.Theme = DefaultTheme
	}
	if len(s.Editor.Layout) == 0 {
		s.Editor.Layout = cloneRaw(DefaultLayout)
	}
	if s.Dependencies == nil {
		s.Dependencies = []string{}
	}
	if s.Story == nil {
		s.Story = []json.RawMessage{}
	}
}

// clone returns a deep copy that shares no slices with s.
func (s DemoState) clone() DemoState {
	s.Editor.Layout = cloneRaw(s.Editor.Layout)
	s.Dependencies = append([]string{}, s.Dependencies...)

	story := make([]json.RawMessage, len(s.Story))
	for i, item := range s.Story {
		story[i] = cloneRaw(item)
	}
	s.Story = story

	if s.Files != nil {
		s.Files = append(filestore.Files{}, s.Files...)
	}
	return s
}

func cloneRaw(m json.RawMessage) json.RawMessage {
	if m == nil {
		return nil
	}
	return append(json.RawMessage{}, m...)
}
