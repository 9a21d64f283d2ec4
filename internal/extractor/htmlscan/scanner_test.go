package htmlscan

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, doc string) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, Walk(strings.NewReader(doc), func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestScannerEmitsFlatEvents(t *testing.T) {
	t.Parallel()

	events := collect(t, `<!DOCTYPE html><!-- c --><A HREF="/x" class=y>hi &amp; bye</a><img src="p.png"/>`)
	kinds := make([]Kind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []Kind{Doctype, Comment, StartTag, Text, EndTag, SelfClosingTag}, kinds)

	a := events[2]
	assert.Equal(t, "a", a.Name)
	href, ok := a.Attr("href")
	require.True(t, ok)
	assert.Equal(t, "/x", href)
	_, ok = a.Attr("missing")
	assert.False(t, ok)
	assert.True(t, a.IsOpening())

	assert.Equal(t, "hi & bye", events[3].Text)
	assert.Equal(t, "img", events[5].Name)
	assert.True(t, events[5].IsOpening())
	assert.False(t, events[4].IsOpening())
}

func TestScannerToleratesMalformedMarkup(t *testing.T) {
	t.Parallel()

	events := collect(t, `<a href="one"><p><a href=two>unclosed <br></div></span>`)
	var names []string
	for _, e := range events {
		if e.IsOpening() {
			names = append(names, e.Name)
		}
	}
	assert.Equal(t, []string{"a", "p", "a", "br"}, names)
}

func TestScannerReturnsEOFRepeatedly(t *testing.T) {
	t.Parallel()

	s := NewScanner(strings.NewReader("x"))
	evt, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, Text, evt.Kind)
	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)
	_, err = s.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	calls := 0
	err := Walk(strings.NewReader("<a><b><c>"), func(Event) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "self-closing", SelfClosingTag.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
