package demoit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/livetemplate/demoit/internal/filestore"
	"github.com/livetemplate/demoit/internal/persist"
)

// MessageEnvelope is an action sent by the editor UI.
type MessageEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ResponseEnvelope is sent back to the UI. Action is "result" for replies
// to a MessageEnvelope.
type ResponseEnvelope struct {
	Action string                 `json:"action"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// MessageRouter routes UI actions to a session.
type MessageRouter struct {
	session *Session
}

// NewMessageRouter creates a new message router for a session.
func NewMessageRouter(s *Session) *MessageRouter {
	return &MessageRouter{session: s}
}

type fileData struct {
	Filename   string  `json:"filename"`
	NewName    string  `json:"newName"`
	Content    *string `json:"content"`
	EntryPoint *bool   `json:"entryPoint"`
	Index      *int    `json:"index"`
}

// Route runs the action and returns the reply. Failures of the action are
// reported in the reply, not as an error; the error is only set for an
// unreadable envelope.
func (mr *MessageRouter) Route(ctx context.Context, envelope *MessageEnvelope) (*ResponseEnvelope, error) {
	if envelope == nil || envelope.Action == "" {
		return nil, fmt.Errorf("missing action")
	}

	data, err := mr.handle(ctx, envelope)
	if err != nil {
		return &ResponseEnvelope{
			Action: "result",
			Data: map[string]interface{}{
				"action":  envelope.Action,
				"success": false,
				"error":   err.Error(),
			},
		}, nil
	}

	out := map[string]interface{}{
		"action":  envelope.Action,
		"success": true,
	}
	for k, v := range data {
		out[k] = v
	}
	return &ResponseEnvelope{Action: "result", Data: out}, nil
}

func (mr *MessageRouter) handle(ctx context.Context, envelope *MessageEnvelope) (map[string]interface{}, error) {
	s := mr.session

	switch envelope.Action {
	case "setActiveFile":
		var d fileData
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		if d.Filename == "" {
			return nil, fmt.Errorf("missing filename")
		}
		return map[string]interface{}{"filename": s.SetActiveFile(d.Filename)}, nil

	case "setActiveFileByIndex":
		var d fileData
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		if d.Index == nil {
			return nil, fmt.Errorf("missing index")
		}
		s.SetActiveFileByIndex(*d.Index)
		return map[string]interface{}{"filename": s.ActiveFile()}, nil

	case "editFile":
		var d fileData
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		if d.Filename == "" {
			return nil, fmt.Errorf("missing filename")
		}
		s.EditFile(d.Filename, filestore.Update{Content: d.Content, EntryPoint: d.EntryPoint})
		return nil, nil

	case "renameFile":
		var d fileData
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		if d.Filename == "" || d.NewName == "" {
			return nil, fmt.Errorf("missing filename or newName")
		}
		return nil, s.RenameFile(d.Filename, d.NewName)

	case "addNewFile":
		var d fileData
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		return map[string]interface{}{"filename": s.AddNewFile(d.Filename)}, nil

	case "deleteFile":
		var d fileData
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		s.DeleteFile(d.Filename)
		return nil, nil

	case "setEntryPoint":
		var d fileData
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		return nil, s.SetEntryPoint(d.Filename)

	case "updateMetadata":
		var m Metadata
		if err := decode(envelope.Data, &m); err != nil {
			return nil, err
		}
		s.UpdateMetadata(m)
		return nil, nil

	case "setDependencies":
		var d struct {
			Dependencies []string `json:"dependencies"`
		}
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		s.SetDependencies(d.Dependencies)
		return nil, nil

	case "updateLayout":
		var d struct {
			Layout json.RawMessage `json:"layout"`
		}
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		s.UpdateLayout(d.Layout)
		return nil, nil

	case "updateTheme":
		var d struct {
			Theme string `json:"theme"`
		}
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		if d.Theme == "" {
			return nil, fmt.Errorf("missing theme")
		}
		s.UpdateTheme(d.Theme)
		return nil, nil

	case "updateStatusBarVisibility":
		var d struct {
			Visible bool `json:"visible"`
		}
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		s.UpdateStatusBarVisibility(d.Visible)
		return nil, nil

	case "setPendingChanges":
		var d struct {
			Pending bool `json:"pending"`
		}
		if err := decode(envelope.Data, &d); err != nil {
			return nil, err
		}
		s.SetPendingChanges(d.Pending)
		return nil, nil

	case "fork":
		return wait(ctx, s.Fork())

	case "persist":
		return wait(ctx, s.Persist())

	case "dump":
		return map[string]interface{}{"state": s.Dump()}, nil

	default:
		return nil, fmt.Errorf("unknown action: %s", envelope.Action)
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}

// wait blocks until a save completes and describes its outcome.
func wait(ctx context.Context, ch <-chan persist.Result) (map[string]interface{}, error) {
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := map[string]interface{}{
			"saved":  res.OK(),
			"demoId": res.DemoID,
		}
		if res.Skipped {
			out["reason"] = res.Reason
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
