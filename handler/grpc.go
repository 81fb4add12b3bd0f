package handler

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ozontech/duplex/part"
)

const (
	grpcPrefixLen     = 5
	grpcMaxMessageLen = 4 << 20
)

var (
	errCompressed = errors.New("compressed messages are not supported")
	errTooLarge   = errors.New("message too large")
)

// Ping echoes every gRPC message of the request stream. Messages carry one
// string field numbered 1.
func Ping(ctx context.Context, ex *Exchange) error {
	if !strings.HasPrefix(ex.Req.Fields().Get("content-type"), "application/grpc") {
		return &HTTPError{Status: 415, Message: "application/grpc content type expected"}
	}

	var f part.Fields
	f.Add("content-type", "application/grpc")
	if err := ex.W.WriteHead(ctx, part.Head{Status: 200, Fields: f}); err != nil {
		return err
	}

	body := ex.Req.Body()
	for {
		msg, err := readMessage(body)
		if errors.Is(err, io.EOF) {
			break
		}
		switch {
		case errors.Is(err, errCompressed):
			return endRPC(ctx, ex.W, codes.Unimplemented, err.Error())
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, errTooLarge):
			return endRPC(ctx, ex.W, codes.InvalidArgument, err.Error())
		case err != nil:
			// the stream itself failed, nobody is left to read a status
			return err
		}

		text, err := decodePing(msg)
		if err != nil {
			return endRPC(ctx, ex.W, codes.InvalidArgument, err.Error())
		}
		if err := ex.W.Write(ctx, appendMessage(nil, encodePing(nil, text))); err != nil {
			return err
		}
	}
	return endRPC(ctx, ex.W, codes.OK, "")
}

func endRPC(ctx context.Context, w Writer, code codes.Code, msg string) error {
	var tr part.Fields
	tr.Add("grpc-status", strconv.Itoa(int(code)))
	if msg != "" {
		tr.Add("grpc-message", msg)
	}
	return w.End(ctx, tr)
}

func readMessage(r io.Reader) ([]byte, error) {
	var prefix [grpcPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated message prefix: %w", err)
		}
		return nil, err
	}
	if prefix[0] != 0 {
		return nil, errCompressed
	}
	n := binary.BigEndian.Uint32(prefix[1:])
	if n > grpcMaxMessageLen {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", errTooLarge, n, grpcMaxMessageLen)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated message: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return msg, nil
}

func appendMessage(b, msg []byte) []byte {
	b = append(b, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(b[len(b)-4:], uint32(len(msg)))
	return append(b, msg...)
}

func decodePing(b []byte) (string, error) {
	var text string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", protowire.ParseError(n)
			}
			text = v
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
	}
	return text, nil
}

func encodePing(b []byte, text string) []byte {
	if text == "" {
		return b
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendString(b, text)
}
