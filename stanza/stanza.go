package stanza

import "encoding/xml"

// Event is a decoded bus protocol unit. Exactly one concrete stanza type
// implements Event per wire element in the supported grammar.
type Event interface {
	element() string
}

// Presence signals agent availability to peers. An empty Type means
// "available" per the wire grammar.
type Presence struct {
	XMLName xml.Name `xml:"presence"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`
	Status  string   `xml:"status,omitempty"`
}

func (Presence) element() string { return "presence" }

// Presence types in the supported subset.
const (
	PresenceAvailable   = ""
	PresenceUnavailable = "unavailable"
	PresenceSubscribe   = "subscribe"
	PresenceUnsubscribe = "unsubscribe"
)

// Message is a topic-addressed publication. Topic rides in the subject
// element; the payload body is an opaque string (JSON by convention, but the
// codec does not interpret it).
type Message struct {
	XMLName xml.Name `xml:"message"`
	ID      string   `xml:"id,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Topic   string   `xml:"subject,omitempty"`
	Body    string   `xml:"body,omitempty"`
}

func (Message) element() string { return "message" }

// IQ types.
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Condition is the machine-readable error condition carried by error-type
// iq stanzas. Values mirror the dispatch error kinds so a bus peer sees the
// same taxonomy an HTTP caller does.
type Condition struct {
	XMLName xml.Name `xml:"error"`
	Kind    string   `xml:"condition"`
	Text    string   `xml:"text,omitempty"`
}

// IQ is a request/response stanza keyed by correlation id. Capability
// invocations travel as type="set" with the capability name on the query
// element; results come back as type="result" with the same id.
type IQ struct {
	XMLName    xml.Name   `xml:"iq"`
	ID         string     `xml:"id,attr"`
	From       string     `xml:"from,attr,omitempty"`
	To         string     `xml:"to,attr,omitempty"`
	Type       string     `xml:"type,attr"`
	Capability string     `xml:"query>name,omitempty"`
	Payload    string     `xml:"query>payload,omitempty"`
	Err        *Condition `xml:"error,omitempty"`
}

func (IQ) element() string { return "iq" }

// Ack is the server's acknowledgment of an outbound stanza by id. Receipt
// releases the stanza from the session's retransmission queue.
type Ack struct {
	XMLName xml.Name `xml:"ack"`
	ID      string   `xml:"id,attr"`
}

func (Ack) element() string { return "ack" }

// Auth carries the credential handshake. The transport is expected to be
// TLS-protected already; the codec does not perform any cryptography.
type Auth struct {
	XMLName   xml.Name `xml:"auth"`
	Mechanism string   `xml:"mechanism,attr"`
	JID       string   `xml:"jid"`
	Secret    string   `xml:"secret"`
}

func (Auth) element() string { return "auth" }

// AuthSuccess is the server's acceptance of an Auth stanza.
type AuthSuccess struct {
	XMLName xml.Name `xml:"success"`
}

func (AuthSuccess) element() string { return "success" }

// AuthFailure is the server's rejection of an Auth stanza.
type AuthFailure struct {
	XMLName xml.Name `xml:"failure"`
	Text    string   `xml:"text,omitempty"`
}

func (AuthFailure) element() string { return "failure" }

// Bind requests a resource binding for the authenticated identity.
type Bind struct {
	XMLName  xml.Name `xml:"bind"`
	Resource string   `xml:"resource,omitempty"`
}

func (Bind) element() string { return "bind" }

// Bound is the server's answer to Bind carrying the full bound address.
type Bound struct {
	XMLName xml.Name `xml:"bound"`
	JID     string   `xml:"jid,attr"`
}

func (Bound) element() string { return "bound" }
