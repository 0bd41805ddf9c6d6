package stanza

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// DecodeError reports a frame that could not be decoded. The offending raw
// fragment is preserved for diagnostics; the session drops the frame and
// keeps running.
type DecodeError struct {
	Raw    []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stanza: decode failed: %s", e.Reason)
}

// Encode serializes an event into a single wire frame.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("stanza: cannot encode nil event")
	}
	b, err := xml.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("stanza: encode %s: %w", ev.element(), err)
	}
	return b, nil
}

// Decode parses one complete frame into an event. The caller (the transport
// layer) guarantees exactly one frame per call. Unknown or malformed input
// yields a *DecodeError; Decode never panics.
func Decode(frame []byte) (Event, error) {
	name, err := rootElement(frame)
	if err != nil {
		return nil, &DecodeError{Raw: frame, Reason: err.Error()}
	}

	var ev Event
	switch name {
	case "presence":
		ev = &Presence{}
	case "message":
		ev = &Message{}
	case "iq":
		ev = &IQ{}
	case "ack":
		ev = &Ack{}
	case "auth":
		ev = &Auth{}
	case "success":
		ev = &AuthSuccess{}
	case "failure":
		ev = &AuthFailure{}
	case "bind":
		ev = &Bind{}
	case "bound":
		ev = &Bound{}
	default:
		return nil, &DecodeError{Raw: frame, Reason: fmt.Sprintf("unknown element %q", name)}
	}

	if err := xml.Unmarshal(frame, ev); err != nil {
		return nil, &DecodeError{Raw: frame, Reason: err.Error()}
	}
	if iq, ok := ev.(*IQ); ok {
		if iq.ID == "" {
			return nil, &DecodeError{Raw: frame, Reason: "iq stanza missing id"}
		}
		switch iq.Type {
		case IQGet, IQSet, IQResult, IQError:
		default:
			return nil, &DecodeError{Raw: frame, Reason: fmt.Sprintf("invalid iq type %q", iq.Type)}
		}
	}
	normalize(ev)
	return ev, nil
}

// rootElement returns the local name of the frame's first start element.
func rootElement(frame []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(frame))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("no root element: %v", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// normalize clears parser-populated XMLName fields so that decoded events
// compare equal to hand-constructed ones.
func normalize(ev Event) {
	switch v := ev.(type) {
	case *Presence:
		v.XMLName = xml.Name{}
	case *Message:
		v.XMLName = xml.Name{}
	case *IQ:
		v.XMLName = xml.Name{}
		if v.Err != nil {
			v.Err.XMLName = xml.Name{}
		}
	case *Ack:
		v.XMLName = xml.Name{}
	case *Auth:
		v.XMLName = xml.Name{}
	case *AuthSuccess:
		v.XMLName = xml.Name{}
	case *AuthFailure:
		v.XMLName = xml.Name{}
	case *Bind:
		v.XMLName = xml.Name{}
	case *Bound:
		v.XMLName = xml.Name{}
	}
}
