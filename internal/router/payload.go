package router

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// Kind identifies the shape of a Payload. The zero value is KindInvalid,
// which streams as the defined no-data case: no chunk, then end-of-stream.
type Kind int

const (
	KindInvalid Kind = iota
	KindBytes
	KindText
	KindObject
	KindProducer
	KindSource
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	case KindObject:
		return "object"
	case KindProducer:
		return "producer"
	case KindSource:
		return "source"
	default:
		return "invalid"
	}
}

// ProducerFunc produces a route's payload on first read. The result may
// itself be a Source payload (streamed through chunk by chunk) or a
// value payload (encoded once). Returning an error surfaces as a
// *ProducerError on the Stream.
type ProducerFunc func(ctx context.Context) (Payload, error)

// Payload is a closed tagged variant over the shapes a route can hold.
// Construct with Bytes, Text, Object, Producer, or Source; the shape is
// resolved once here rather than probed at read time.
type Payload struct {
	kind Kind
	raw  []byte
	text string
	obj  any
	fn   ProducerFunc
	src  io.Reader
}

func Bytes(b []byte) Payload       { return Payload{kind: KindBytes, raw: b} }
func Text(s string) Payload        { return Payload{kind: KindText, text: s} }
func Object(v any) Payload         { return Payload{kind: KindObject, obj: v} }
func Producer(fn ProducerFunc) Payload {
	if fn == nil {
		return Payload{}
	}
	return Payload{kind: KindProducer, fn: fn}
}
func Source(r io.Reader) Payload {
	if r == nil {
		return Payload{}
	}
	return Payload{kind: KindSource, src: r}
}

func (p Payload) Kind() Kind   { return p.kind }
func (p Payload) IsZero() bool { return p.kind == KindInvalid }

// encode applies the binary conversion rule to a terminal value payload:
// bytes pass through, text is UTF-8 encoded, objects are marshaled to
// JSON. ok is false for shapes that carry no data.
func (p Payload) encode() (data []byte, ok bool, err error) {
	switch p.kind {
	case KindBytes:
		return p.raw, true, nil
	case KindText:
		return []byte(p.text), true, nil
	case KindObject:
		b, err := json.Marshal(p.obj)
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	default:
		return nil, false, nil
	}
}

// CallbackProducer adapts a completion-callback producer into a
// ProducerFunc. start must arrange for done to be called exactly once
// with the result; extra calls are ignored. The returned ProducerFunc
// honors context cancellation while waiting.
func CallbackProducer(start func(done func(Payload, error))) ProducerFunc {
	return func(ctx context.Context) (Payload, error) {
		type result struct {
			p   Payload
			err error
		}
		ch := make(chan result, 1)
		var once sync.Once
		start(func(p Payload, err error) {
			once.Do(func() { ch <- result{p: p, err: err} })
		})
		select {
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		case r := <-ch:
			return r.p, r.err
		}
	}
}
