// Package htmlscan turns an HTML byte stream into a flat sequence of events.
// It does not build a tree and tolerates malformed markup.
package htmlscan

import (
	"errors"
	"io"

	"golang.org/x/net/html"
)

// Kind identifies an Event.
type Kind int

// Event kinds.
const (
	StartTag Kind = iota + 1
	EndTag
	SelfClosingTag
	Text
	Comment
	Doctype
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case StartTag:
		return "start"
	case EndTag:
		return "end"
	case SelfClosingTag:
		return "self-closing"
	case Text:
		return "text"
	case Comment:
		return "comment"
	case Doctype:
		return "doctype"
	default:
		return "unknown"
	}
}

// Attr is a tag attribute. Keys are lower-cased.
type Attr struct {
	Key string
	Val string
}

// Event is one parse event. Name is the lower-cased tag name for tag events;
// Text carries the unescaped content of text, comment, and doctype events.
type Event struct {
	Kind  Kind
	Name  string
	Attrs []Attr
	Text  string
}

// Attr returns the value of the first attribute named key.
func (e Event) Attr(key string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// IsOpening reports whether e is a start or self-closing tag.
func (e Event) IsOpening() bool {
	return e.Kind == StartTag || e.Kind == SelfClosingTag
}

// Scanner reads events from an HTML stream.
type Scanner struct {
	z   *html.Tokenizer
	err error
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{z: html.NewTokenizer(r)}
}

// Next returns the next event, or io.EOF at the end of the stream.
func (s *Scanner) Next() (Event, error) {
	if s.err != nil {
		return Event{}, s.err
	}
	tt := s.z.Next()
	if tt == html.ErrorToken {
		s.err = s.z.Err()
		if s.err == nil {
			s.err = errors.New("htmlscan: tokenizer stopped without error")
		}
		return Event{}, s.err
	}
	tok := s.z.Token()
	switch tt {
	case html.StartTagToken:
		return tagEvent(StartTag, tok), nil
	case html.EndTagToken:
		return tagEvent(EndTag, tok), nil
	case html.SelfClosingTagToken:
		return tagEvent(SelfClosingTag, tok), nil
	case html.CommentToken:
		return Event{Kind: Comment, Text: tok.Data}, nil
	case html.DoctypeToken:
		return Event{Kind: Doctype, Text: tok.Data}, nil
	default:
		return Event{Kind: Text, Text: tok.Data}, nil
	}
}

// Walk calls fn for every event until the stream ends or fn returns an
// error. Reaching the end of the stream is not an error.
func Walk(r io.Reader, fn func(Event) error) error {
	s := NewScanner(r)
	for {
		evt, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func tagEvent(kind Kind, tok html.Token) Event {
	evt := Event{Kind: kind, Name: tok.Data}
	if len(tok.Attr) > 0 {
		evt.Attrs = make([]Attr, len(tok.Attr))
		for i, a := range tok.Attr {
			evt.Attrs[i] = Attr{Key: a.Key, Val: a.Val}
		}
	}
	return evt
}
