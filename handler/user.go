package handler

import (
	"errors"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

type User struct {
	Name    string
	Address string
	Age     int
}

var (
	errNoName = errors.New("user: name is required")
	errNoAge  = errors.New("user: age is required")
)

func (u User) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"name":`)
	out.String(u.Name)
	if u.Address != "" {
		out.RawString(`,"address":`)
		out.String(u.Address)
	}
	out.RawString(`,"age":`)
	out.Int(u.Age)
	out.RawByte('}')
}

func (u *User) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}

	var hasName, hasAge bool
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "name":
			u.Name = in.String()
			hasName = true
		case "address":
			u.Address = in.String()
		case "age":
			u.Age = in.Int()
			hasAge = true
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}

	switch {
	case !hasName:
		in.AddError(errNoName)
	case !hasAge:
		in.AddError(errNoAge)
	}
}
