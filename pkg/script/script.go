// Package script builds the text the model is steered with: the session instructions and
// the directives injected at fixed points of a call.
package script

import (
	"fmt"
	"strings"
)

// DefaultPersona is used when neither a base nor a business prompt is configured.
const DefaultPersona = `You are a friendly, professional phone representative making a short outbound call.
You speak naturally, keep sentences short and sound like a real person on the phone.`

// PermissionQuestion follows every opening line.
const PermissionQuestion = "Do you have a quick minute to talk?"

// Rules is appended to every instruction set.
const Rules = `RULES:
- First confirm you are speaking with the right person. If not, apologize briefly and end the call politely.
- If the person says they are not interested, asks to be removed or asks you to stop, acknowledge it immediately and close. Never push back.
- Never invent prices, discounts, dates or commitments. If asked, say someone will follow up with exact details.
- Ask at most two short questions to understand what they need. Do not interrogate.
- Keep every reply to one or two sentences and wait for them to answer.
- When closing, say one short sentence and do not ask any further questions.
- Reply in the language the person speaks. If unclear, use %s.`

// Params is the per-call context the text is built from. Every field may be empty.
type Params struct {
	Base     string
	Business string
	Persona  string
	Company  string
	Agent    string
	Language string

	StreamID   string
	CallID     string
	OutboundID string
	TargetName string
	To         string
	From       string
}

// Instructions composes the session instructions.
func Instructions(p Params) string {
	var b strings.Builder

	prompt := joinNonEmpty("\n\n", p.Base, p.Business)
	if prompt == "" {
		prompt = strings.TrimSpace(p.Persona)
	}
	if prompt == "" {
		prompt = DefaultPersona
	}
	b.WriteString(prompt)

	b.WriteString("\n\nCALL CONTEXT:\n")
	if p.Agent != "" {
		fmt.Fprintf(&b, "- Your name: %s\n", p.Agent)
	}
	if p.Company != "" {
		fmt.Fprintf(&b, "- You are calling on behalf of: %s\n", p.Company)
	}
	fmt.Fprintf(&b, "- Person you are calling: %s\n", orUnknown(p.TargetName))
	fmt.Fprintf(&b, "- Their number: %s\n", orUnknown(p.To))
	if p.From != "" {
		fmt.Fprintf(&b, "- Calling from: %s\n", p.From)
	}
	if p.OutboundID != "" {
		fmt.Fprintf(&b, "- Request id: %s\n", p.OutboundID)
	}
	if p.CallID != "" {
		fmt.Fprintf(&b, "- Call id: %s\n", p.CallID)
	}
	if p.StreamID != "" {
		fmt.Fprintf(&b, "- Stream id: %s\n", p.StreamID)
	}

	lang := p.Language
	if lang == "" {
		lang = "en"
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, Rules, lang)

	return b.String()
}

// Opening returns the first directive of a call. A known target name selects the named
// greeting; otherwise the generic one.
func Opening(p Params) string {
	intro := introduction(p)
	if name := strings.TrimSpace(p.TargetName); name != "" {
		return fmt.Sprintf(`Start the call now. Say: "Hi, is this %s? %s" Then ask: "%s" Then stop and wait for their answer.`,
			name, intro, PermissionQuestion)
	}
	return fmt.Sprintf(`Start the call now. Say: "Hi there! %s" Then ask: "%s" Then stop and wait for their answer.`,
		intro, PermissionQuestion)
}

// IdleCheck is sent once when the caller has been silent for a while.
func IdleCheck() string {
	return `The line has gone quiet. Ask briefly: "Are you still there?" Then wait.`
}

// WrapUp is sent shortly before the maximum call duration.
func WrapUp() string {
	return "We are almost out of time. Start wrapping up: summarize the next step in one sentence. Do not open new topics."
}

// Closing is sent when the call must end. The model speaks one sentence and stops.
func Closing(p Params) string {
	if name := strings.TrimSpace(p.TargetName); name != "" {
		return fmt.Sprintf(`End the call now. Say only: "Thanks for your time, %s. Have a great day!" Do not ask anything else.`, name)
	}
	return `End the call now. Say only: "Thanks for your time. Have a great day!" Do not ask anything else.`
}

func introduction(p Params) string {
	switch {
	case p.Agent != "" && p.Company != "":
		return fmt.Sprintf("This is %s calling from %s.", p.Agent, p.Company)
	case p.Agent != "":
		return fmt.Sprintf("This is %s.", p.Agent)
	case p.Company != "":
		return fmt.Sprintf("I'm calling from %s.", p.Company)
	default:
		return "I'm calling with a quick question."
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
