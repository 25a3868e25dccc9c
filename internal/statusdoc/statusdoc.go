// Package statusdoc reads and rewrites the ModuleState leaf of an embedded
// device status document.
//
// The document is scanned with a token decoder so well-formedness is checked
// for the whole input, and byte offsets of the first ModuleState element are
// recorded. Replace splices the new text in at those offsets, leaving every
// other byte of the document exactly as it was.
package statusdoc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const StateElement = "ModuleState"

var (
	ErrMissingState = errors.New("ModuleState element not found")
	ErrMalformed    = errors.New("malformed status document")
)

// Leaf is the located ModuleState element.
type Leaf struct {
	// Value is the character data inside the element, entities resolved.
	Value string

	elemStart    int64 // offset of '<' of the start tag
	contentStart int64
	contentEnd   int64
	selfClosing  bool
}

// Find parses doc and returns the first ModuleState element in document order.
func Find(doc string) (Leaf, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	// the document is already text, a declared encoding is informational
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	var (
		leaf      Leaf
		found     bool
		inLeaf    bool
		leafDepth int
		depth     int
		roots     int
		value     strings.Builder
	)

	for {
		before := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Leaf{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return Leaf{}, fmt.Errorf("%w: multiple root elements", ErrMalformed)
				}
			}
			depth++
			if !found && t.Name.Local == StateElement {
				found = true
				inLeaf = true
				leafDepth = depth
				leaf.elemStart = before
				leaf.contentStart = dec.InputOffset()
				leaf.selfClosing = strings.HasSuffix(doc[before:leaf.contentStart], "/>")
			}
		case xml.EndElement:
			if inLeaf && depth == leafDepth {
				inLeaf = false
				if leaf.selfClosing {
					leaf.contentEnd = leaf.contentStart
				} else {
					leaf.contentEnd = before
				}
			}
			depth--
		case xml.CharData:
			if inLeaf {
				value.Write(t)
			} else if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return Leaf{}, fmt.Errorf("%w: text outside the root element", ErrMalformed)
			}
		}
	}

	if roots == 0 {
		return Leaf{}, fmt.Errorf("%w: no root element", ErrMalformed)
	}
	if !found {
		return Leaf{}, ErrMissingState
	}
	leaf.Value = value.String()
	return leaf, nil
}

// State returns the ModuleState value of doc.
func State(doc string) (string, error) {
	leaf, err := Find(doc)
	if err != nil {
		return "", err
	}
	return leaf.Value, nil
}

// Replace sets the text of the first ModuleState element to value and
// returns the rewritten document together with the previous value.
func Replace(doc, value string) (string, string, error) {
	leaf, err := Find(doc)
	if err != nil {
		return doc, "", err
	}

	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(value)); err != nil {
		return doc, "", err
	}

	var b strings.Builder
	b.Grow(len(doc) + escaped.Len() + 2*len(StateElement))
	if leaf.selfClosing {
		// <p:ModuleState a="1"/> becomes <p:ModuleState a="1">value</p:ModuleState>
		tag := doc[leaf.elemStart:leaf.contentStart]
		head := strings.TrimRight(strings.TrimSuffix(tag, "/>"), " \t\r\n")
		name := tag[1:]
		if i := strings.IndexAny(name, " \t\r\n/>"); i >= 0 {
			name = name[:i]
		}
		b.WriteString(doc[:leaf.elemStart])
		b.WriteString(head)
		b.WriteByte('>')
		b.Write(escaped.Bytes())
		b.WriteString("</" + name + ">")
		b.WriteString(doc[leaf.contentStart:])
	} else {
		b.WriteString(doc[:leaf.contentStart])
		b.Write(escaped.Bytes())
		b.WriteString(doc[leaf.contentEnd:])
	}
	return b.String(), leaf.Value, nil
}
