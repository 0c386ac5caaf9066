package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record 是 <prefix>.meta 的内容。key 与 size 必填；未知字段在解码时保留，编码时原样写回。
type Record struct {
	Key        string
	Size       int64
	Generation string
	CreatedAt  time.Time
	Data       map[string]string

	extra map[string]json.RawMessage
}

var knownRecordFields = map[string]struct{}{
	"key":        {},
	"size":       {},
	"generation": {},
	"created_at": {},
	"data":       {},
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.extra)+5)
	for name, raw := range r.extra {
		out[name] = raw
	}
	out["key"] = r.Key
	out["size"] = r.Size
	if r.Generation != "" {
		out["generation"] = r.Generation
	}
	if !r.CreatedAt.IsZero() {
		out["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(r.Data) > 0 {
		out["data"] = r.Data
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	var decoded Record
	keyRaw, ok := fields["key"]
	if !ok {
		return fmt.Errorf("%w: missing key", ErrInvalidRecord)
	}
	if err := json.Unmarshal(keyRaw, &decoded.Key); err != nil {
		return fmt.Errorf("%w: key: %v", ErrInvalidRecord, err)
	}

	sizeRaw, ok := fields["size"]
	if !ok {
		return fmt.Errorf("%w: missing size", ErrInvalidRecord)
	}
	if err := json.Unmarshal(sizeRaw, &decoded.Size); err != nil {
		return fmt.Errorf("%w: size: %v", ErrInvalidRecord, err)
	}
	if decoded.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidRecord, decoded.Size)
	}

	if genRaw, ok := fields["generation"]; ok {
		if err := json.Unmarshal(genRaw, &decoded.Generation); err != nil {
			return fmt.Errorf("%w: generation: %v", ErrInvalidRecord, err)
		}
	}
	if createdRaw, ok := fields["created_at"]; ok {
		var stamp string
		if err := json.Unmarshal(createdRaw, &stamp); err != nil {
			return fmt.Errorf("%w: created_at: %v", ErrInvalidRecord, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return fmt.Errorf("%w: created_at: %v", ErrInvalidRecord, err)
		}
		decoded.CreatedAt = parsed
	}
	if dataRaw, ok := fields["data"]; ok {
		if err := json.Unmarshal(dataRaw, &decoded.Data); err != nil {
			return fmt.Errorf("%w: data: %v", ErrInvalidRecord, err)
		}
	}

	for name, value := range fields {
		if _, known := knownRecordFields[name]; known {
			continue
		}
		if decoded.extra == nil {
			decoded.extra = make(map[string]json.RawMessage)
		}
		decoded.extra[name] = value
	}

	*r = decoded
	return nil
}

// extraFields 返回未被识别的字段副本。
func (r *Record) extraFields() map[string]json.RawMessage {
	if len(r.extra) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(r.extra))
	for name, value := range r.extra {
		out[name] = append(json.RawMessage(nil), value...)
	}
	return out
}
