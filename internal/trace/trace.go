// Package trace defines the typed tool events recorded in a run's audit log.
//
// Event is a closed union keyed by tool name. Unknown tools round-trip through
// Opaque so that older or foreign entries still render.
package trace

import (
	"encoding/json"
	"fmt"
	"time"

	"ar-collect/internal/money"
	"ar-collect/internal/repo"
)

// Tool names as stored in trace_items.tool.
const (
	ToolVoiceCall       = "vapi.call"
	ToolPaymentLink     = "payments.link"
	ToolEmailSend       = "agentmail.send"
	ToolStateTransition = "state.transition"
	ToolFollowUp        = "followup.schedule"
)

// Event is one traced tool action.
type Event interface {
	Tool() string
	Summary() string
	payload() (input, output any)
}

// VoiceCall is an outbound call placement.
type VoiceCall struct {
	Phone  string
	CallID string
}

// PaymentLink is a created checkout link.
type PaymentLink struct {
	AmountCents int64
	URL         string
}

// EmailSend is a sent message.
type EmailSend struct {
	To        string
	Subject   string
	MessageID string
}

// StateTransition is an invoice state change.
type StateTransition struct {
	Prev   repo.InvoiceState
	New    repo.InvoiceState
	Queued bool
}

// FollowUp is a scheduled follow-up.
type FollowUp struct {
	At     time.Time
	Reason string
}

// Opaque carries an entry whose tool is not part of the union.
type Opaque struct {
	Name   string
	Input  json.RawMessage
	Output json.RawMessage
}

type voiceCallIn struct {
	Phone string `json:"phone"`
}
type voiceCallOut struct {
	CallID string `json:"callId,omitempty"`
}
type paymentLinkIn struct {
	AmountCents int64 `json:"amountCents"`
}
type paymentLinkOut struct {
	URL string `json:"url,omitempty"`
}
type emailIn struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
}
type emailOut struct {
	MessageID string `json:"messageId,omitempty"`
}
type transitionIn struct {
	Prev     repo.InvoiceState `json:"prev"`
	NewState repo.InvoiceState `json:"newState"`
}
type transitionOut struct {
	Queued bool `json:"queued,omitempty"`
}
type followUpIn struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

func (VoiceCall) Tool() string       { return ToolVoiceCall }
func (PaymentLink) Tool() string     { return ToolPaymentLink }
func (EmailSend) Tool() string       { return ToolEmailSend }
func (StateTransition) Tool() string { return ToolStateTransition }
func (FollowUp) Tool() string        { return ToolFollowUp }
func (o Opaque) Tool() string        { return o.Name }

func (e VoiceCall) Summary() string {
	if e.Phone == "" {
		return "Calling customer"
	}
	return "Calling " + e.Phone
}
func (e PaymentLink) Summary() string {
	return "Created payment link for $" + money.FormatPlain(e.AmountCents)
}
func (e EmailSend) Summary() string       { return "Sent email to " + e.To }
func (e StateTransition) Summary() string { return "Updated to " + string(e.New) }
func (e FollowUp) Summary() string {
	return "Follow-up scheduled for " + e.At.Format("2006-01-02")
}
func (o Opaque) Summary() string { return o.Name }

func (e VoiceCall) payload() (any, any) { return voiceCallIn{e.Phone}, voiceCallOut{e.CallID} }
func (e PaymentLink) payload() (any, any) {
	return paymentLinkIn{e.AmountCents}, paymentLinkOut{e.URL}
}
func (e EmailSend) payload() (any, any) {
	return emailIn{To: e.To, Subject: e.Subject}, emailOut{e.MessageID}
}
func (e StateTransition) payload() (any, any) {
	return transitionIn{Prev: e.Prev, NewState: e.New}, transitionOut{e.Queued}
}
func (e FollowUp) payload() (any, any) {
	return followUpIn{At: e.At, Reason: e.Reason}, struct{}{}
}
func (o Opaque) payload() (any, any) { return o.Input, o.Output }

// Encode serialises an event into its stored tool name and JSON payloads.
func Encode(e Event) (string, json.RawMessage, json.RawMessage, error) {
	in, out := e.payload()
	input, err := marshalOrEmpty(in)
	if err != nil {
		return "", nil, nil, fmt.Errorf("encode %s input: %w", e.Tool(), err)
	}
	output, err := marshalOrEmpty(out)
	if err != nil {
		return "", nil, nil, fmt.Errorf("encode %s output: %w", e.Tool(), err)
	}
	return e.Tool(), input, output, nil
}

func marshalOrEmpty(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Decode rebuilds an event from stored columns. Unknown tools and payloads that do
// not match their tool's shape decode to Opaque.
func Decode(tool string, input, output json.RawMessage) Event {
	opaque := Opaque{Name: tool, Input: input, Output: output}
	switch tool {
	case ToolVoiceCall:
		var in voiceCallIn
		var out voiceCallOut
		if !unmarshalBoth(input, &in, output, &out) {
			return opaque
		}
		return VoiceCall{Phone: in.Phone, CallID: out.CallID}
	case ToolPaymentLink:
		var in paymentLinkIn
		var out paymentLinkOut
		if !unmarshalBoth(input, &in, output, &out) {
			return opaque
		}
		return PaymentLink{AmountCents: in.AmountCents, URL: out.URL}
	case ToolEmailSend:
		var in emailIn
		var out emailOut
		if !unmarshalBoth(input, &in, output, &out) {
			return opaque
		}
		return EmailSend{To: in.To, Subject: in.Subject, MessageID: out.MessageID}
	case ToolStateTransition:
		var in transitionIn
		var out transitionOut
		if !unmarshalBoth(input, &in, output, &out) {
			return opaque
		}
		return StateTransition{Prev: in.Prev, New: in.NewState, Queued: out.Queued}
	case ToolFollowUp:
		var in followUpIn
		if !unmarshalBoth(input, &in, nil, nil) {
			return opaque
		}
		return FollowUp{At: in.At, Reason: in.Reason}
	default:
		return opaque
	}
}

func unmarshalBoth(input json.RawMessage, in any, output json.RawMessage, out any) bool {
	if len(input) > 0 && json.Unmarshal(input, in) != nil {
		return false
	}
	if out != nil && len(output) > 0 && json.Unmarshal(output, out) != nil {
		return false
	}
	return true
}

// Line is the display form of a trace item.
type Line struct {
	ID        string           `json:"id"`
	TS        time.Time        `json:"ts"`
	Tool      string           `json:"tool"`
	Status    repo.TraceStatus `json:"status"`
	Summary   string           `json:"summary"`
	PolicyMsg *string          `json:"policyMsg,omitempty"`
}

// Lines renders stored items in order.
func Lines(items []repo.TraceItem) []Line {
	out := make([]Line, 0, len(items))
	for _, item := range items {
		ev := Decode(item.Tool, item.Input, item.Output)
		out = append(out, Line{
			ID:        item.ID,
			TS:        item.TS,
			Tool:      item.Tool,
			Status:    item.Status,
			Summary:   ev.Summary(),
			PolicyMsg: item.PolicyMsg,
		})
	}
	return out
}
