package part

import (
	"strings"

	"golang.org/x/net/http2/hpack"
)

// Fields is an ordered header list. Names compare case-insensitively and
// repeated names are kept as separate entries.
type Fields []hpack.HeaderField

func (f Fields) Get(name string) string {
	for _, hf := range f {
		if strings.EqualFold(hf.Name, name) {
			return hf.Value
		}
	}
	return ""
}

func (f Fields) Has(name string) bool {
	for _, hf := range f {
		if strings.EqualFold(hf.Name, name) {
			return true
		}
	}
	return false
}

func (f Fields) Values(name string) []string {
	var vals []string
	for _, hf := range f {
		if strings.EqualFold(hf.Name, name) {
			vals = append(vals, hf.Value)
		}
	}
	return vals
}

func (f *Fields) Add(name, value string) {
	*f = append(*f, hpack.HeaderField{Name: name, Value: value})
}

// Set replaces all values of name with a single value.
func (f *Fields) Set(name, value string) {
	f.Del(name)
	f.Add(name, value)
}

func (f *Fields) Del(name string) {
	fields := (*f)[:0]
	for _, hf := range *f {
		if !strings.EqualFold(hf.Name, name) {
			fields = append(fields, hf)
		}
	}
	*f = fields
}

func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	return append(Fields(nil), f...)
}

// Size is the header list size as defined by RFC 7540 section 6.5.2.
func (f Fields) Size() uint32 {
	var n uint32
	for _, hf := range f {
		n += hf.Size()
	}
	return n
}
