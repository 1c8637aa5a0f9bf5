// Copyright 2024 The Cadence Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"

	"cadence.im/xmpp/internal/ns"
)

// xmlHeader is like xml.Header but without the trailing newline, which some
// servers reject inside the stream.
const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

// Header contains the attributes exchanged on a stream open or restart. A
// header is immutable for the lifetime of one stream instance and is replaced
// wholesale when the stream restarts.
type Header struct {
	To      string
	From    string
	ID      string
	Version Version
	Lang    string
	XMLNS   string
}

// Send writes an XML declaration followed by a stream open tag to w.
//
// We don't use an xml.Encoder both because Go's standard library xml package
// really doesn't like the namespaced stream:stream attribute and because we
// can guarantee well-formedness of the XML with a print in this case and
// printing is much faster than encoding.
func (h Header) Send(w io.Writer) error {
	xmlns := h.XMLNS
	if xmlns == "" {
		xmlns = ns.Client
	}

	b := bufio.NewWriter(w)
	_, err := fmt.Fprintf(b, xmlHeader+`<stream:stream to='%s' version='%s' `, h.To, h.Version)
	if err != nil {
		return err
	}
	if h.From != "" {
		if err = writeAttr(b, "from", h.From); err != nil {
			return err
		}
	}
	if h.ID != "" {
		if err = writeAttr(b, "id", h.ID); err != nil {
			return err
		}
	}
	if h.Lang != "" {
		if err = writeAttr(b, "xml:lang", h.Lang); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(b, `xmlns='%s' xmlns:stream='%s'>`, xmlns, ns.Stream)
	if err != nil {
		return err
	}
	return b.Flush()
}

func writeAttr(w *bufio.Writer, name, value string) error {
	if _, err := w.WriteString(name + "='"); err != nil {
		return err
	}
	if err := xml.EscapeText(w, []byte(value)); err != nil {
		return err
	}
	_, err := w.WriteString("' ")
	return err
}

// HeaderFromStartElement validates a stream open tag and extracts the header
// attributes from it. Errors returned are always stream errors.
func HeaderFromStartElement(start xml.StartElement) (Header, error) {
	h := Header{}
	switch {
	case start.Name.Local != "stream":
		return h, BadFormat
	case start.Name.Space != ns.Stream:
		return h, InvalidNamespace
	}
	for _, attr := range start.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			h.To = attr.Value
		case xml.Name{Space: "", Local: "from"}:
			h.From = attr.Value
		case xml.Name{Space: "", Local: "id"}:
			h.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			if err := (&h.Version).UnmarshalXMLAttr(attr); err != nil {
				return h, BadFormat
			}
		case xml.Name{Space: "", Local: "xmlns"}:
			if attr.Value != ns.Client && attr.Value != ns.Server {
				return h, InvalidNamespace
			}
			h.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			if attr.Value != ns.Stream {
				return h, InvalidNamespace
			}
		case xml.Name{Space: "xml", Local: "lang"}:
			h.Lang = attr.Value
		}
	}
	return h, nil
}
