package part

import (
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindHead Kind = iota + 1
	KindBody
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindHead:
		return "head"
	case KindBody:
		return "body"
	case KindEnd:
		return "end"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Head is the metadata of a request or a response.
// Requests fill Method and Target, responses fill Status.
type Head struct {
	Method    string
	Scheme    string
	Authority string
	Target    string
	Status    int
	Version   string
	Fields    Fields
}

// ConnectionClose reports whether the connection field carries the close token.
func (h *Head) ConnectionClose() bool {
	for _, v := range h.Fields.Values("connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "close") {
				return true
			}
		}
	}
	return false
}

// Path returns Target without the query.
func (h *Head) Path() string {
	path, _, _ := strings.Cut(h.Target, "?")
	return path
}

// Query returns the raw query of Target.
func (h *Head) Query() string {
	_, query, _ := strings.Cut(h.Target, "?")
	return query
}

func (h *Head) String() string {
	if h.Status != 0 {
		return h.Version + " " + strconv.Itoa(h.Status)
	}
	return h.Method + " " + h.Target + " " + h.Version
}

// Part is one framed unit of an exchange: a valid exchange is Head, Body*, End.
type Part struct {
	Kind     Kind
	Head     *Head
	Data     []byte
	Trailers Fields
}

func NewHead(h Head) Part         { return Part{Kind: KindHead, Head: &h} }
func NewBody(b []byte) Part       { return Part{Kind: KindBody, Data: b} }
func NewEnd(trailers Fields) Part { return Part{Kind: KindEnd, Trailers: trailers} }
func (p Part) IsHead() bool       { return p.Kind == KindHead }
func (p Part) IsBody() bool       { return p.Kind == KindBody }
func (p Part) IsEnd() bool        { return p.Kind == KindEnd }

func (p Part) String() string {
	switch p.Kind {
	case KindHead:
		if p.Head == nil {
			return "head(nil)"
		}
		return "head(" + p.Head.String() + ")"
	case KindBody:
		return "body(" + strconv.Itoa(len(p.Data)) + ")"
	default:
		return p.Kind.String()
	}
}
