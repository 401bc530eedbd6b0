package miniapp

// Response is what an action produces. UI is opaque to the runtime and is
// rendered by the client.
type Response struct {
	SessionID   string    `json:"sessionId"`
	Action      string    `json:"action"`
	Data        any       `json:"data,omitempty"`
	UI          *UISchema `json:"ui,omitempty"`
	NextActions []string  `json:"nextActions,omitempty"`
	Errors      []string  `json:"errors,omitempty"`
}

func (r Response) OK() bool {
	return len(r.Errors) == 0
}

type UISchema struct {
	Title   string        `json:"title"`
	Content []UIComponent `json:"content,omitempty"`
	Actions []UIAction    `json:"actions,omitempty"`
}

type UIComponent struct {
	Type  string         `json:"type"`
	Label string         `json:"label,omitempty"`
	Value any            `json:"value,omitempty"`
	Props map[string]any `json:"props,omitempty"`
}

type UIAction struct {
	ID     string         `json:"id"`
	Label  string         `json:"label"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func Text(label string, value any) UIComponent {
	return UIComponent{Type: "text", Label: label, Value: value}
}

func Progress(label string, done, total int) UIComponent {
	return UIComponent{Type: "progress", Label: label, Value: done, Props: map[string]any{"total": total}}
}
