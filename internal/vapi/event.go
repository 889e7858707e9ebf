package vapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Inbound message types.
const (
	EventTranscript         = "transcript"
	EventTranscriptFinal    = "transcript-final"
	EventSpeechUpdate       = "speech-update"
	EventConversationUpdate = "conversation-update"
	EventStatusUpdate       = "status-update"
	EventEndOfCallReport    = "end-of-call-report"
	EventFunctionCall       = "function-call"
	EventToolCalls          = "tool-calls"
)

// Transcript kinds as stored on call transcripts.
const (
	KindFinal        = "final"
	KindSpeech       = "speech"
	KindConversation = "conversation"
)

// UnknownCallID is used when a message carries no call reference.
const UnknownCallID = "unknown"

var errEmptyBody = errors.New("vapi: empty webhook body")

// Metadata links a call back to the collection records it was placed for.
type Metadata struct {
	VendorID  string `json:"vendorId"`
	InvoiceID string `json:"invoiceId"`
}

// Utterance is one line of speech attributed to a role.
type Utterance struct {
	Role string
	Kind string
	Text string
}

// Report is the end-of-call summary.
type Report struct {
	EndedReason  string
	PhoneNumber  string
	RecordingURL string
	Summary      string
	CostCents    *int64
	StartedAt    *time.Time
	EndedAt      *time.Time
	Messages     []Utterance
}

// Duration is the call length when both bounds are known.
func (r *Report) Duration() time.Duration {
	if r == nil || r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// Transcript joins the report's messages into a single text block.
func (r *Report) Transcript() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, m := range r.Messages {
		if m.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}

// FunctionCall is an in-call function invocation by the assistant.
type FunctionCall struct {
	ID         string
	Name       string
	Parameters json.RawMessage
}

// Event is a parsed webhook message.
type Event struct {
	Type         string
	CallID       string
	Timestamp    time.Time
	Metadata     Metadata
	Utterance    *Utterance
	Status       string
	Report       *Report
	FunctionCall *FunctionCall
	ToolCalls    []FunctionCall
}

type wireMetadata struct {
	VendorID  string `json:"vendorId"`
	InvoiceID string `json:"invoiceId"`
}

type wireOverrides struct {
	Metadata *wireMetadata `json:"metadata"`
}

type wireCall struct {
	ID                 string         `json:"id"`
	StartedAt          *time.Time     `json:"startedAt"`
	EndedAt            *time.Time     `json:"endedAt"`
	Metadata           *wireMetadata  `json:"metadata"`
	AssistantOverrides *wireOverrides `json:"assistantOverrides"`
}

type wireChatMessage struct {
	Role    string          `json:"role"`
	Message json.RawMessage `json:"message"`
	Content json.RawMessage `json:"content"`
}

type wireToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireToolCall struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Function *wireToolFunction `json:"function"`
}

type wireFunctionCall struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

type wireAssistant struct {
	Metadata *wireMetadata `json:"metadata"`
}

type wireCustomer struct {
	Number string `json:"number"`
}

type wireMessages struct {
	Messages []wireChatMessage `json:"messages"`
}

type wireMessage struct {
	Type           string            `json:"type"`
	CallID         string            `json:"callId"`
	Timestamp      *float64          `json:"timestamp"`
	Call           *wireCall         `json:"call"`
	Metadata       *wireMetadata     `json:"metadata"`
	Assistant      *wireAssistant    `json:"assistant"`
	Role           string            `json:"role"`
	Transcript     string            `json:"transcript"`
	TranscriptType string            `json:"transcriptType"`
	Status         string            `json:"status"`
	EndedReason    string            `json:"endedReason"`
	Customer       *wireCustomer     `json:"customer"`
	RecordingURL   string            `json:"recordingUrl"`
	Summary        string            `json:"summary"`
	Cost           *float64          `json:"cost"`
	Artifact       *wireMessages     `json:"artifact"`
	Conversation   *wireMessages     `json:"conversation"`
	FunctionCall   *wireFunctionCall `json:"functionCall"`
	ToolCalls      []wireToolCall    `json:"toolCalls"`
}

// ParseEvent decodes a webhook body. An Event with an empty Type means the payload
// carried no message type and should be acknowledged without processing.
func ParseEvent(body []byte, receivedAt time.Time) (Event, error) {
	var envelope *struct {
		Message *wireMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode webhook: %w", err)
	}
	if envelope == nil {
		return Event{}, errEmptyBody
	}
	msg := envelope.Message
	if msg == nil || msg.Type == "" {
		return Event{}, nil
	}

	evt := Event{
		Type:      normalizeType(msg.Type),
		CallID:    UnknownCallID,
		Timestamp: receivedAt,
		Metadata:  resolveMetadata(msg),
	}
	if msg.Call != nil && msg.Call.ID != "" {
		evt.CallID = msg.Call.ID
	} else if msg.CallID != "" {
		evt.CallID = msg.CallID
	}
	if msg.Timestamp != nil && *msg.Timestamp > 0 {
		evt.Timestamp = time.UnixMilli(int64(*msg.Timestamp)).UTC()
	}

	switch evt.Type {
	case EventTranscript:
		if msg.Transcript != "" {
			kind := msg.TranscriptType
			if kind == "" {
				kind = KindFinal
			}
			evt.Utterance = &Utterance{Role: roleOrDefault(msg.Role), Kind: kind, Text: msg.Transcript}
		}
	case EventSpeechUpdate:
		if msg.Transcript != "" {
			evt.Utterance = &Utterance{Role: roleOrDefault(msg.Role), Kind: KindSpeech, Text: msg.Transcript}
		}
	case EventConversationUpdate:
		if msg.Conversation != nil && len(msg.Conversation.Messages) > 0 {
			last := msg.Conversation.Messages[len(msg.Conversation.Messages)-1]
			if text := textOf(last.Content); text != "" {
				evt.Utterance = &Utterance{Role: roleOrDefault(last.Role), Kind: KindConversation, Text: text}
			}
		}
	case EventStatusUpdate:
		evt.Status = msg.Status
		if msg.EndedReason != "" {
			evt.Report = &Report{EndedReason: msg.EndedReason}
		}
	case EventEndOfCallReport:
		evt.Report = buildReport(msg)
	case EventFunctionCall:
		if msg.FunctionCall != nil {
			evt.FunctionCall = &FunctionCall{Name: msg.FunctionCall.Name, Parameters: msg.FunctionCall.Parameters}
		}
	case EventToolCalls:
		for _, tc := range msg.ToolCalls {
			evt.ToolCalls = append(evt.ToolCalls, toolCall(tc))
		}
	}
	return evt, nil
}

func normalizeType(t string) string {
	switch {
	case t == EventTranscriptFinal, strings.HasPrefix(t, "transcript["):
		return EventTranscript
	default:
		return t
	}
}

func roleOrDefault(role string) string {
	if role == "" {
		return "assistant"
	}
	return role
}

// resolveMetadata checks every place the provider may echo call metadata.
func resolveMetadata(msg *wireMessage) Metadata {
	candidates := []*wireMetadata{msg.Metadata}
	if msg.Assistant != nil {
		candidates = append(candidates, msg.Assistant.Metadata)
	}
	if msg.Call != nil {
		if msg.Call.AssistantOverrides != nil {
			candidates = append(candidates, msg.Call.AssistantOverrides.Metadata)
		}
		candidates = append(candidates, msg.Call.Metadata)
	}
	for _, c := range candidates {
		if c != nil && c.VendorID != "" {
			return Metadata{VendorID: c.VendorID, InvoiceID: c.InvoiceID}
		}
	}
	return Metadata{}
}

func buildReport(msg *wireMessage) *Report {
	r := &Report{
		EndedReason:  msg.EndedReason,
		RecordingURL: msg.RecordingURL,
		Summary:      msg.Summary,
	}
	if msg.Customer != nil {
		r.PhoneNumber = msg.Customer.Number
	}
	if msg.Cost != nil {
		cents := int64(math.Round(*msg.Cost * 100))
		r.CostCents = &cents
	}
	if msg.Call != nil {
		r.StartedAt = msg.Call.StartedAt
		r.EndedAt = msg.Call.EndedAt
	}
	if msg.Artifact != nil {
		for _, m := range msg.Artifact.Messages {
			text := textOf(m.Message)
			if text == "" {
				text = textOf(m.Content)
			}
			if text == "" {
				continue
			}
			r.Messages = append(r.Messages, Utterance{Role: roleOrDefault(m.Role), Kind: KindFinal, Text: text})
		}
	}
	return r
}

func toolCall(tc wireToolCall) FunctionCall {
	out := FunctionCall{ID: tc.ID, Name: tc.Name}
	if tc.Function == nil {
		return out
	}
	if out.Name == "" {
		out.Name = tc.Function.Name
	}
	args := tc.Function.Arguments
	// Arguments arrive either as an object or as a JSON-encoded string of one.
	var encoded string
	if json.Unmarshal(args, &encoded) == nil {
		args = json.RawMessage(encoded)
	}
	out.Parameters = args
	return out
}

func textOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
