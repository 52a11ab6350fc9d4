package protocol

import "time"

// DeviceState is broadcast whenever the peripheral connection changes.
type DeviceState struct {
	State     string    `json:"state"`
	DeviceID  string    `json:"device_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Codec     string    `json:"codec,omitempty"`
	Battery   int       `json:"battery"`
	Storage   bool      `json:"storage"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Segment is one recognised utterance.
type Segment struct {
	Text    string  `json:"text"`
	Speaker int     `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Segments carries a batch appended to the live conversation.
type Segments struct {
	ConversationID string    `json:"conversation_id"`
	Segments       []Segment `json:"segments"`
	Timestamp      time.Time `json:"timestamp"`
}

// Conversation announces a conversation lifecycle event.
type Conversation struct {
	Event          string    `json:"event"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Segments       int       `json:"segments"`
	Timestamp      time.Time `json:"timestamp"`
}

// RouterState reports the transcription backend lifecycle.
type RouterState struct {
	State     string    `json:"state"`
	Backend   string    `json:"backend"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncProgress mirrors the sync descriptor.
type SyncProgress struct {
	Status           string    `json:"status"`
	TotalBytes       int64     `json:"total_bytes"`
	StartOffset      int64     `json:"start_offset"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Progress         float64   `json:"progress"`
	ETASeconds       *int      `json:"eta_seconds,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Reply is the answer to a hold-to-ask query.
type Reply struct {
	Query     string    `json:"query"`
	Text      string    `json:"text"`
	Canned    bool      `json:"canned"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplyAudio is one chunk of a spoken reply. PCM is 16-bit little-endian.
type ReplyAudio struct {
	ReplyID    string `json:"reply_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// AskRequest is a question sent to the chat service over request/reply.
type AskRequest struct {
	Query   string `json:"query"`
	Context string `json:"context,omitempty"`
}

// AskResponse answers an AskRequest.
type AskResponse struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	SubjectDeviceState   = "pendant.device.state"
	SubjectSegments      = "pendant.transcript.segments"
	SubjectConversation  = "pendant.conversation"
	SubjectRouterState   = "pendant.stt.state"
	SubjectSyncProgress  = "pendant.sync.progress"
	SubjectCommandReply  = "pendant.command.reply"
	SubjectReplyAudio    = "pendant.command.reply.audio"
	SubjectAsk           = "pendant.chat.ask"
	StreamConversations  = "PENDANT_CONVERSATIONS"
	SubjectConversations = SubjectConversation + ".>"
)

// ConversationSubject is the subject for one lifecycle event kind.
func ConversationSubject(event string) string {
	return SubjectConversation + "." + event
}
