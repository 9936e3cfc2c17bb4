// Package canonical produces a canonical serialization of XML documents so
// that documents differing only in formatting hash identically.
//
// The canonical form is C14N 1.0 (without comments) applied to a normalized
// tree: comments, processing instructions and directives are dropped,
// whitespace-only text nodes are removed, remaining text runs are trimmed,
// and namespace prefixes are renamed to ns0, ns1, ... in order of first use
// with all declarations hoisted to the root element.
package canonical

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/keyboxer/internal/crawler"
)

const xmlNamespace = "http://www.w3.org/XML/1998/namespace"

// ParseError reports input that is not well-formed (namespace-aware) XML.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse xml: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is lets callers match any ParseError against crawler.ErrMalformedXML.
func (e *ParseError) Is(target error) bool {
	return target == crawler.ErrMalformedXML
}

// Canonicalizer implements crawler.Canonicalizer.
type Canonicalizer struct {
	c14n dsig.Canonicalizer
}

// New returns a Canonicalizer.
func New() *Canonicalizer {
	return &Canonicalizer{c14n: dsig.MakeC14N10RecCanonicalizer()}
}

// Canonicalize parses raw and returns its canonical bytes. Malformed input
// yields a *ParseError.
func (c *Canonicalizer) Canonicalize(raw []byte) ([]byte, error) {
	raw = TrimBOM(raw)
	if err := CheckWellFormed(raw); err != nil {
		return nil, &ParseError{Err: err}
	}

	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charset.NewReaderLabel
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, &ParseError{Err: err}
	}
	root := doc.Root()
	if root == nil {
		return nil, &ParseError{Err: errors.New("document has no root element")}
	}

	n := newNormalizer()
	if err := n.assign(root); err != nil {
		return nil, &ParseError{Err: err}
	}
	out, err := n.build(root)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	for i, uri := range n.order {
		out.CreateAttr(fmt.Sprintf("xmlns:%s", prefixName(i)), uri)
	}

	canonical, err := c.c14n.Canonicalize(out)
	if err != nil {
		return nil, fmt.Errorf("c14n serialize: %w", err)
	}
	return canonical, nil
}

var utf8BOM = []byte("\xef\xbb\xbf")

// TrimBOM drops a leading UTF-8 byte order mark.
func TrimBOM(raw []byte) []byte {
	return bytes.TrimPrefix(raw, utf8BOM)
}

// CheckWellFormed runs the strict encoding/xml tokenizer over raw; etree's
// reader alone tolerates mismatched end tags and text outside the root.
func CheckWellFormed(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("empty document")
	}
	dec := xml.NewDecoder(bytes.NewReader(TrimBOM(raw)))
	dec.Strict = true
	dec.CharsetReader = charset.NewReaderLabel
	roots := 0
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
			if err := checkDuplicateAttrs(t); err != nil {
				return err
			}
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return errors.New("text outside the root element")
			}
		}
	}
	if roots != 1 {
		return fmt.Errorf("expected exactly one root element, found %d", roots)
	}
	return nil
}

// checkDuplicateAttrs rejects repeated attributes; the decoder has already
// resolved bound prefixes to namespace URIs.
func checkDuplicateAttrs(start xml.StartElement) error {
	seen := make(map[xml.Name]struct{}, len(start.Attr))
	for _, a := range start.Attr {
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("duplicate attribute %s on element %s", a.Name.Local, start.Name.Local)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

type normalizer struct {
	prefixes map[string]string
	order    []string
}

func newNormalizer() *normalizer {
	return &normalizer{prefixes: make(map[string]string)}
}

func prefixName(i int) string {
	return fmt.Sprintf("ns%d", i)
}

func (n *normalizer) prefixFor(uri string) string {
	if p, ok := n.prefixes[uri]; ok {
		return p
	}
	p := prefixName(len(n.order))
	n.prefixes[uri] = p
	n.order = append(n.order, uri)
	return p
}

// assign walks the tree in document order and allocates prefixes. Within an
// element the element's own namespace comes first, then attribute namespaces
// sorted by URI, so attribute order in the source cannot change the result.
func (n *normalizer) assign(e *etree.Element) error {
	uri, err := elementNamespace(e)
	if err != nil {
		return err
	}
	if uri != "" {
		n.prefixFor(uri)
	}
	var attrURIs []string
	for _, a := range e.Attr {
		if isNamespaceDecl(a) || a.Space == "" || a.Space == "xml" {
			continue
		}
		u, ok := lookupNamespace(e, a.Space)
		if !ok || u == "" {
			return fmt.Errorf("unbound prefix %q on attribute %s", a.Space, a.Key)
		}
		attrURIs = append(attrURIs, u)
	}
	slices.Sort(attrURIs)
	for _, u := range attrURIs {
		n.prefixFor(u)
	}
	for _, child := range e.ChildElements() {
		if err := n.assign(child); err != nil {
			return err
		}
	}
	return nil
}

func (n *normalizer) build(src *etree.Element) (*etree.Element, error) {
	dst := etree.NewElement(src.Tag)
	uri, err := elementNamespace(src)
	if err != nil {
		return nil, err
	}
	if uri != "" {
		dst.Space = n.prefixFor(uri)
	}

	seen := make(map[string]struct{}, len(src.Attr))
	for _, a := range src.Attr {
		if isNamespaceDecl(a) {
			continue
		}
		space := ""
		key := a.Key
		switch a.Space {
		case "":
		case "xml":
			space = "xml"
			key = xmlNamespace + " " + a.Key
		default:
			u, ok := lookupNamespace(src, a.Space)
			if !ok || u == "" {
				return nil, fmt.Errorf("unbound prefix %q on attribute %s", a.Space, a.Key)
			}
			space = n.prefixFor(u)
			key = u + " " + a.Key
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate attribute %s on element %s", a.Key, src.Tag)
		}
		seen[key] = struct{}{}
		name := a.Key
		if space != "" {
			name = space + ":" + a.Key
		}
		dst.CreateAttr(name, a.Value)
	}

	var text strings.Builder
	flush := func() {
		if t := strings.TrimSpace(text.String()); t != "" {
			dst.CreateText(t)
		}
		text.Reset()
	}
	for _, tok := range src.Child {
		switch t := tok.(type) {
		case *etree.CharData:
			text.WriteString(t.Data)
		case *etree.Element:
			flush()
			child, err := n.build(t)
			if err != nil {
				return nil, err
			}
			dst.AddChild(child)
		}
	}
	flush()
	return dst, nil
}

func isNamespaceDecl(a etree.Attr) bool {
	return a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
}

func elementNamespace(e *etree.Element) (string, error) {
	uri, ok := lookupNamespace(e, e.Space)
	if !ok {
		return "", fmt.Errorf("unbound prefix %q on element %s", e.Space, e.Tag)
	}
	return uri, nil
}

// lookupNamespace resolves prefix in the scope of e. The empty prefix
// resolves to the default namespace, or "" when none is declared.
func lookupNamespace(e *etree.Element, prefix string) (string, bool) {
	if prefix == "xml" {
		return xmlNamespace, true
	}
	for cur := e; cur != nil; cur = cur.Parent() {
		for _, a := range cur.Attr {
			if prefix == "" && a.Space == "" && a.Key == "xmlns" {
				return a.Value, true
			}
			if prefix != "" && a.Space == "xmlns" && a.Key == prefix {
				return a.Value, true
			}
		}
	}
	return "", prefix == ""
}
