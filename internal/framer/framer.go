// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package framer turns a raw byte stream into the sequence of top-level child
// elements of an XMPP stream.
package framer // import "cadence.im/xmpp/internal/framer"

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackal-xmpp/stravaganza/v2"
	"mellium.im/xmlstream"

	"cadence.im/xmpp/internal/ns"
	"cadence.im/xmpp/stream"
)

// Errors returned by the framer.
var (
	// ErrUnexpectedRestart is returned when the peer opens a new stream
	// without this side having requested a restart.
	ErrUnexpectedRestart = errors.New("framer: unexpected stream restart")

	// ErrTooLargeStanza is returned when the size of an incoming element
	// exceeds the configured maximum.
	ErrTooLargeStanza = errors.New("framer: too large stanza")
)

// A Framer consumes arbitrary-sized byte chunks from r in arrival order and
// produces the top-level child elements of the enclosing stream in document
// order. It buffers at most one pending element of unparsed input.
//
// Any error encountered while parsing is sticky: XML well-formedness
// violations are not recoverable mid-stream and the caller must tear down the
// connection. Reset discards parse state for a protocol-mandated stream
// restart but does not clear a sticky error.
type Framer struct {
	src           io.Reader
	d             *xml.Decoder
	maxStanzaSize int64
	lastOffset    int64
	err           error
}

// New creates a framer reading from r. If maxStanzaSize is greater than zero
// elements larger than that many bytes of input terminate the stream with
// ErrTooLargeStanza.
func New(r io.Reader, maxStanzaSize int64) *Framer {
	return &Framer{
		src:           r,
		d:             xml.NewDecoder(r),
		maxStanzaSize: maxStanzaSize,
	}
}

// Reset discards all partially-parsed state in preparation for a stream
// restart. The next input read must begin with a fresh stream header.
func (f *Framer) Reset() {
	f.d = xml.NewDecoder(f.src)
	f.lastOffset = 0
}

// ExpectHeader reads tokens until a stream open tag is found and returns the
// parsed header. XML declarations and whitespace are skipped. If the peer
// opened a stream error instead, it is decoded and returned as the error.
// If recv is false (we are the initiating entity) a header without a stream
// id is rejected.
func (f *Framer) ExpectHeader(recv bool) (stream.Header, error) {
	if f.err != nil {
		return stream.Header{}, f.err
	}
	h, err := f.expectHeader(recv)
	if err != nil {
		f.err = err
	}
	return h, err
}

func (f *Framer) expectHeader(recv bool) (stream.Header, error) {
	var h stream.Header
	for {
		t, err := f.d.Token()
		if err != nil {
			return h, err
		}
		switch tok := t.(type) {
		case xml.ProcInst:
			// Skip the XML declaration.
			continue
		case xml.CharData:
			if len(strings.TrimLeft(string(tok), " \t\r\n")) != 0 {
				return h, stream.RestrictedXML
			}
		case xml.StartElement:
			if tok.Name.Local == "error" && tok.Name.Space == ns.Stream {
				se := stream.Error{}
				if err := f.d.DecodeElement(&se, &tok); err != nil {
					return h, err
				}
				return h, se
			}

			h, err = stream.HeaderFromStartElement(tok)
			switch {
			case err != nil:
				return h, err
			case h.Version != stream.DefaultVersion:
				return h, stream.UnsupportedVersion
			case !recv && h.ID == "":
				// The receiving entity must assign a stream id.
				return h, stream.BadFormat
			}
			f.lastOffset = f.d.InputOffset()
			return h, nil
		case xml.EndElement:
			return h, stream.NotWellFormed
		default:
			return h, stream.RestrictedXML
		}
	}
}

// Next returns the next top-level child element of the stream. It returns
// io.EOF when the peer closes the stream with an end tag, and a stream.Error
// when the peer ends the stream with a stream error. Whitespace between
// elements (often used as a keep-alive) is skipped.
func (f *Framer) Next() (stravaganza.Element, error) {
	if f.err != nil {
		return nil, f.err
	}
	el, err := f.next()
	if err != nil {
		f.err = err
	}
	return el, err
}

func (f *Framer) next() (stravaganza.Element, error) {
	for {
		t, err := f.d.Token()
		if err != nil {
			return nil, err
		}
		if f.maxStanzaSize > 0 && f.d.InputOffset()-f.lastOffset > f.maxStanzaSize {
			return nil, ErrTooLargeStanza
		}
		switch tok := t.(type) {
		case xml.CharData:
			if len(strings.TrimLeft(string(tok), " \t\r\n")) != 0 {
				return nil, stream.RestrictedXML
			}
		case xml.StartElement:
			if tok.Name.Space == ns.Stream {
				switch tok.Name.Local {
				case "stream":
					return nil, ErrUnexpectedRestart
				case "error":
					// The peer is ending the stream with an error; decode the
					// condition so callers can report it.
					se := stream.Error{}
					if err := f.d.DecodeElement(&se, &tok); err != nil {
						return nil, err
					}
					return nil, se
				}
			}
			el, err := f.buildElement(tok)
			if err != nil {
				return nil, err
			}
			f.lastOffset = f.d.InputOffset()
			return el, nil
		case xml.EndElement:
			if tok.Name.Local == "stream" && tok.Name.Space == ns.Stream {
				// The peer closed the stream.
				return nil, io.EOF
			}
			// We shouldn't be able to hit an end element that wasn't consumed
			// by buildElement.
			return nil, stream.NotWellFormed
		default:
			// Comments, directives, and processing instructions are forbidden
			// mid-stream (RFC 6120 §11.1).
			return nil, stream.RestrictedXML
		}
	}
}

// buildElement consumes tokens until the element opened by start is closed
// and assembles them into a DOM element.
func (f *Framer) buildElement(start xml.StartElement) (stravaganza.Element, error) {
	inner := xmlstream.Inner(f.d)
	stack := []*stravaganza.Builder{builderFor(start)}
	text := []string{""}

	for {
		t, err := inner.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if f.maxStanzaSize > 0 && f.d.InputOffset()-f.lastOffset > f.maxStanzaSize {
			return nil, ErrTooLargeStanza
		}
		switch tok := t.(type) {
		case xml.StartElement:
			stack = append(stack, builderFor(tok))
			text = append(text, "")
		case xml.CharData:
			text[len(text)-1] += string(tok)
		case xml.EndElement:
			if len(stack) < 2 {
				return nil, stream.NotWellFormed
			}
			b := stack[len(stack)-1]
			if s := text[len(text)-1]; s != "" {
				b = b.WithText(s)
			}
			child := b.Build()
			stack = stack[:len(stack)-1]
			text = text[:len(text)-1]
			stack[len(stack)-1] = stack[len(stack)-1].WithChild(child)
		default:
			return nil, stream.RestrictedXML
		}
	}

	if len(stack) != 1 {
		return nil, stream.NotWellFormed
	}
	b := stack[0]
	if s := text[0]; s != "" {
		b = b.WithText(s)
	}
	return b.Build(), nil
}

func builderFor(start xml.StartElement) *stravaganza.Builder {
	var attrs []stravaganza.Attribute
	for _, a := range start.Attr {
		attrs = append(attrs, stravaganza.Attribute{
			Label: attrName(a.Name),
			Value: a.Value,
		})
	}
	return stravaganza.NewBuilder(start.Name.Local).WithAttributes(attrs...)
}

func attrName(name xml.Name) string {
	if name.Space == "xmlns" {
		return fmt.Sprintf("xmlns:%s", name.Local)
	}
	return name.Local
}
