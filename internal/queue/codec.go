// Package queue implements queue bindings: an in-process broker with
// producers, batching consumers, retries and dead-letter queues.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/cryguy/worker/v3/internal/core"
)

// Encode serializes body for the given content type. An empty content type
// means json; v8 is accepted and stored as json.
func Encode(body any, ct core.QueueContentType) ([]byte, core.QueueContentType, error) {
	var data []byte
	switch ct {
	case "", core.QueueContentJSON, core.QueueContentV8:
		ct = core.QueueContentJSON
		if raw, ok := body.(json.RawMessage); ok {
			if !json.Valid(raw) {
				return nil, "", fmt.Errorf("queue message body is not valid JSON")
			}
			data = append([]byte(nil), raw...)
			break
		}
		var err error
		if data, err = sonic.Marshal(body); err != nil {
			return nil, "", fmt.Errorf("encoding queue message: %w", err)
		}
	case core.QueueContentText:
		s, ok := body.(string)
		if !ok {
			return nil, "", fmt.Errorf("text queue message body must be a string, got %T", body)
		}
		data = []byte(s)
	case core.QueueContentBytes:
		b, ok := body.([]byte)
		if !ok {
			return nil, "", fmt.Errorf("bytes queue message body must be []byte, got %T", body)
		}
		data = append([]byte(nil), b...)
	default:
		return nil, "", fmt.Errorf("unknown queue content type %q", ct)
	}
	if len(data) > core.MaxQueueMessageBytes {
		return nil, "", fmt.Errorf("%w: queue message is %d bytes (max %d)", core.ErrValueTooLarge, len(data), core.MaxQueueMessageBytes)
	}
	return data, ct, nil
}

// Decode turns a stored message body into T. Text and bytes bodies decode
// directly into string, []byte or any; everything else goes through JSON.
func Decode[T any](in core.QueueMessageInput) (T, error) {
	var out T
	switch in.ContentType {
	case core.QueueContentText:
		switch p := any(&out).(type) {
		case *string:
			*p = string(in.Body)
			return out, nil
		case *any:
			*p = string(in.Body)
			return out, nil
		case *[]byte:
			*p = append([]byte(nil), in.Body...)
			return out, nil
		}
	case core.QueueContentBytes:
		switch p := any(&out).(type) {
		case *[]byte:
			*p = append([]byte(nil), in.Body...)
			return out, nil
		case *any:
			*p = append([]byte(nil), in.Body...)
			return out, nil
		}
		return out, fmt.Errorf("bytes message cannot be decoded into %T", out)
	}
	if err := sonic.Unmarshal(in.Body, &out); err != nil {
		return out, fmt.Errorf("decoding message %s: %w", in.ID, err)
	}
	return out, nil
}
