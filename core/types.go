// Package core provides the foundational types for ChatFlow.
//
// This package contains the value types shared between the compiler, the
// execution engine, and the event/persistence layers: node kinds, engine
// status, chat messages, content parts, trace entries, and the normalized
// per-node configuration the compiler produces.
package core

import "time"

// NodeKind identifies the behavioral category a node compiles to.
// The set of kinds is intentionally small; it is the single source of
// dispatch truth for the interpreter.
type NodeKind string

const (
	NodeKindMessage   NodeKind = "message"
	NodeKindAsk       NodeKind = "ask"
	NodeKindCondition NodeKind = "condition"
	NodeKindDelay     NodeKind = "delay"
	NodeKindAPI       NodeKind = "api"
	NodeKindButtons   NodeKind = "buttons"
	NodeKindList      NodeKind = "list"
	NodeKindUnknown   NodeKind = "unknown"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// EngineStatus is the engine's run state.
type EngineStatus string

const (
	StatusIdle      EngineStatus = "idle"
	StatusRunning   EngineStatus = "running"
	StatusWaiting   EngineStatus = "waiting"
	StatusStopped   EngineStatus = "stopped"
	StatusCompleted EngineStatus = "completed"
)

// String returns the string representation of the EngineStatus.
func (s EngineStatus) String() string {
	return string(s)
}

// Channel identifies the messaging surface a flow is previewed against.
// Channels affect presentation only; execution semantics are identical.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelSMS       Channel = "sms"
	ChannelEmail     Channel = "email"
	ChannelPush      Channel = "push"
	ChannelVoice     Channel = "voice"
	ChannelSlack     Channel = "slack"
	ChannelTeams     Channel = "teams"
	ChannelTelegram  Channel = "telegram"
	ChannelInstagram Channel = "instagram"
	ChannelMessenger Channel = "messenger"
	ChannelWebchat   Channel = "webchat"
)

// ContentPartType identifies the type of a message content part.
type ContentPartType string

const (
	PartText     ContentPartType = "text"
	PartImage    ContentPartType = "image"
	PartVideo    ContentPartType = "video"
	PartAudio    ContentPartType = "audio"
	PartDocument ContentPartType = "document"
)

// IsMedia reports whether the part type is an attachment rather than text.
func (t ContentPartType) IsMedia() bool {
	switch t {
	case PartImage, PartVideo, PartAudio, PartDocument:
		return true
	}
	return false
}

// ContentPart is one element of a message node's body. Order is
// authoring-significant; a message may carry zero or many text parts.
type ContentPart struct {
	ID      string          `json:"id"`
	Type    ContentPartType `json:"type"`
	Content string          `json:"content,omitempty"` // text parts
	URL     string          `json:"url,omitempty"`     // media parts
	Name    string          `json:"name,omitempty"`    // media parts, optional
}

// QuickReply is a tappable reply option attached to a bot message.
type QuickReply struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ListSection groups list items under a section title.
type ListSection struct {
	Title string     `json:"title,omitempty"`
	Items []ListItem `json:"items"`
}

// ListItem is a single selectable row of a list node.
type ListItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Attachment is a media file carried on a bot message.
type Attachment struct {
	ID   string          `json:"id"`
	Type ContentPartType `json:"type"`
	Name string          `json:"name,omitempty"`
	URL  string          `json:"url"`
}

// ChatMessage is one rendered bot message delivered to the preview surface.
type ChatMessage struct {
	ID          string       `json:"id"`
	Channel     Channel      `json:"channel"`
	Text        string       `json:"text"`
	Buttons     []QuickReply `json:"buttons,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// TraceEvent is a structured log entry describing one step of
// interpretation, used for debugging and test assertions.
type TraceEvent struct {
	Time      time.Time `json:"time"`
	Type      string    `json:"type"` // "enterNode" | "log"
	NodeID    string    `json:"nodeId,omitempty"`
	NodeLabel string    `json:"nodeLabel,omitempty"`
	Result    string    `json:"result,omitempty"`
}

// WaitState marks a suspended execution awaiting external input.
// At most one instance exists at a time.
type WaitState struct {
	NodeID  string   `json:"nodeId"`
	VarName string   `json:"varName"`
	Kind    NodeKind `json:"kind"` // ask | buttons | list
}

// NodeError reports a failure scoped to a single node.
type NodeError struct {
	NodeID  string `json:"nodeId"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e NodeError) Error() string {
	return e.Message
}

// DoneReason explains why a run ended.
type DoneReason string

const (
	DoneCompleted DoneReason = "completed"
	DoneStopped   DoneReason = "stopped"
)

// Done is the terminal payload of a run.
type Done struct {
	Reason DoneReason `json:"reason"`
}

// DelaySpec is a delay duration in authoring form. Either Millis is set
// directly, or Value+Unit (s, m, h, d) describe the duration.
type DelaySpec struct {
	Value  float64 `json:"value,omitempty"`
	Unit   string  `json:"unit,omitempty"`
	Millis int64   `json:"millis,omitempty"`
}

// ConditionOp is an operator of the closed condition set.
type ConditionOp string

const (
	OpEquals      ConditionOp = "equals"
	OpNotEquals   ConditionOp = "does not equal"
	OpContains    ConditionOp = "contains"
	OpNotContains ConditionOp = "does not contain"
	OpStartsWith  ConditionOp = "starts with"
	OpEndsWith    ConditionOp = "ends with"
	OpIsEmpty     ConditionOp = "is empty"
	OpIsNotEmpty  ConditionOp = "is not empty"
)

// Condition is a single {variable, operator, value} triple evaluated
// against the variable bag.
type Condition struct {
	Variable string      `json:"variable"`
	Operator ConditionOp `json:"operator"`
	Value    string      `json:"value"`
}

// HeaderKV is one templated request header of an API node.
type HeaderKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// APIConfig is the normalized configuration of an api node. URL, method,
// headers, and body are template strings substituted at execution time.
type APIConfig struct {
	URL      string     `json:"url"`
	Method   string     `json:"method"`
	Headers  []HeaderKV `json:"headers,omitempty"`
	Body     string     `json:"body,omitempty"`
	AssignTo string     `json:"assignTo,omitempty"`
}

// APIRequest is a fully rendered outbound request handed to the dispatcher.
type APIRequest struct {
	URL     string     `json:"url"`
	Method  string     `json:"method"`
	Headers []HeaderKV `json:"headers,omitempty"`
	Body    string     `json:"body,omitempty"`
}

// APIResponse is the dispatcher's result for an API node.
type APIResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	JSON       map[string]any    `json:"json,omitempty"`
}

// NodeData is the canonical, normalized configuration of a runtime node.
// The compiler migrates every authoring shape (legacy content strings, the
// parts array, nested list sections) into this struct exactly once, so the
// interpreter never inspects raw editor records.
type NodeData struct {
	Label        string        `json:"label,omitempty"`
	Parts        []ContentPart `json:"parts,omitempty"`
	QuickReplies []QuickReply  `json:"quickReplies,omitempty"`
	Sections     []ListSection `json:"sections,omitempty"`
	VariableName string        `json:"variableName,omitempty"`
	Condition    *Condition    `json:"condition,omitempty"`
	Delay        *DelaySpec    `json:"delay,omitempty"`
	API          *APIConfig    `json:"api,omitempty"`
	IsTrigger    bool          `json:"isTrigger,omitempty"`
}

// TextContent returns the content of the first text part, or "".
func (d NodeData) TextContent() string {
	for _, p := range d.Parts {
		if p.Type == PartText {
			return p.Content
		}
	}
	return ""
}

// MediaParts returns all non-text parts in authoring order.
func (d NodeData) MediaParts() []ContentPart {
	var media []ContentPart
	for _, p := range d.Parts {
		if p.Type.IsMedia() {
			media = append(media, p)
		}
	}
	return media
}

// Options returns the selectable options a waiting node offers: quick
// replies for buttons nodes, flattened section items for list nodes.
func (d NodeData) Options() []QuickReply {
	if len(d.QuickReplies) > 0 {
		return d.QuickReplies
	}
	var opts []QuickReply
	for _, s := range d.Sections {
		for _, it := range s.Items {
			opts = append(opts, QuickReply{ID: it.ID, Label: it.Title})
		}
	}
	return opts
}
