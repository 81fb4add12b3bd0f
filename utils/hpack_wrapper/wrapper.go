package hpackwrapper

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/ozontech/duplex/part"
)

// Wrapper encodes header blocks for one connection. Not safe for concurrent use.
type Wrapper struct {
	buf bytes.Buffer
	enc *hpack.Encoder
}

func NewWrapper(opts ...Opt) *Wrapper {
	wrapper := &Wrapper{}
	wrapper.enc = hpack.NewEncoder(&wrapper.buf)
	for _, o := range opts {
		o.apply(wrapper)
	}

	return wrapper
}

// SetMaxDynamicTableSizeLimit applies the peer SETTINGS_HEADER_TABLE_SIZE.
func (ww *Wrapper) SetMaxDynamicTableSizeLimit(v uint32) {
	ww.enc.SetMaxDynamicTableSizeLimit(v)
}

// ResponseBlock encodes a response head. The returned slice is valid until the next call.
func (ww *Wrapper) ResponseBlock(h *part.Head) []byte {
	ww.buf.Reset()
	status := h.Status
	if status == 0 {
		status = 200
	}
	ww.writeField(":status", strconv.Itoa(status))
	ww.writeFields(h.Fields)
	return ww.buf.Bytes()
}

// TrailersBlock encodes trailer fields. The returned slice is valid until the next call.
func (ww *Wrapper) TrailersBlock(trailers part.Fields) []byte {
	ww.buf.Reset()
	ww.writeFields(trailers)
	return ww.buf.Bytes()
}

func (ww *Wrapper) writeFields(fields part.Fields) {
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		if strings.HasPrefix(name, ":") || connectionSpecific(name) {
			continue
		}
		ww.enc.WriteField(hpack.HeaderField{Name: name, Value: f.Value, Sensitive: f.Sensitive}) //nolint:errcheck // always writes to a buffer
	}
}

func (ww *Wrapper) writeField(k, v string) {
	//nolint:errcheck // always writes to a buffer
	ww.enc.WriteField(hpack.HeaderField{
		Name:  k,
		Value: v,
	})
}

// connectionSpecific reports fields HTTP/2 forbids (RFC 9113 section 8.2.2).
func connectionSpecific(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

type Opt interface {
	apply(*Wrapper)
}

type WithMaxDynamicTableSize uint32

func (s WithMaxDynamicTableSize) apply(w *Wrapper) {
	w.enc.SetMaxDynamicTableSize(uint32(s))
}
