package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("document update conflict")
	ErrInvalidDoc = errors.New("invalid document")
	ErrClosed     = errors.New("document store closed")
)

// Doc is a single revisioned document. On the wire it is one JSON object
// whose underscore-prefixed members (_id, _rev, _deleted, _revisions) carry
// the metadata and whose remaining members form Body.
type Doc struct {
	ID      string
	Rev     string
	Deleted bool
	// Revisions is the revision ancestry, newest first. Revisions[0] == Rev.
	Revisions []string
	Body      json.RawMessage
	// Seq is the local update sequence of the change that produced this
	// revision. It is never serialized.
	Seq int64
}

type revisionsJSON struct {
	Start int      `json:"start"`
	IDs   []string `json:"ids"`
}

func (d Doc) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(d.Body) > 0 && !bytes.Equal(bytes.TrimSpace(d.Body), []byte("null")) {
		if err := json.Unmarshal(d.Body, &fields); err != nil {
			return nil, fmt.Errorf("%w: body is not a JSON object: %v", ErrInvalidDoc, err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	for key := range fields {
		if strings.HasPrefix(key, "_") {
			delete(fields, key)
		}
	}

	set := func(key string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		fields[key] = raw
		return nil
	}
	if err := set("_id", d.ID); err != nil {
		return nil, err
	}
	if d.Rev != "" {
		if err := set("_rev", d.Rev); err != nil {
			return nil, err
		}
	}
	if d.Deleted {
		if err := set("_deleted", true); err != nil {
			return nil, err
		}
	}
	if len(d.Revisions) > 0 {
		revs, err := encodeRevisions(d.Revisions)
		if err != nil {
			return nil, err
		}
		if err := set("_revisions", revs); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}

func (d *Doc) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDoc, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: document must be a JSON object", ErrInvalidDoc)
	}

	*d = Doc{}
	if raw, ok := fields["_id"]; ok {
		if err := json.Unmarshal(raw, &d.ID); err != nil {
			return fmt.Errorf("%w: _id: %v", ErrInvalidDoc, err)
		}
	}
	if raw, ok := fields["_rev"]; ok {
		if err := json.Unmarshal(raw, &d.Rev); err != nil {
			return fmt.Errorf("%w: _rev: %v", ErrInvalidDoc, err)
		}
	}
	if raw, ok := fields["_deleted"]; ok {
		if err := json.Unmarshal(raw, &d.Deleted); err != nil {
			return fmt.Errorf("%w: _deleted: %v", ErrInvalidDoc, err)
		}
	}
	if raw, ok := fields["_revisions"]; ok {
		var revs revisionsJSON
		if err := json.Unmarshal(raw, &revs); err != nil {
			return fmt.Errorf("%w: _revisions: %v", ErrInvalidDoc, err)
		}
		d.Revisions = decodeRevisions(revs)
	}
	for key := range fields {
		if strings.HasPrefix(key, "_") {
			delete(fields, key)
		}
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	d.Body = body
	return nil
}

// Decode unmarshals the document body into v.
func (d Doc) Decode(v any) error {
	if len(d.Body) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(d.Body, v)
}

// Clone returns a deep copy of the document.
func (d Doc) Clone() Doc {
	out := d
	if d.Body != nil {
		out.Body = append(json.RawMessage(nil), d.Body...)
	}
	if d.Revisions != nil {
		out.Revisions = append([]string(nil), d.Revisions...)
	}
	return out
}

// Change is one entry of the changes feed: the latest revision of a document
// at the time of its last update sequence.
type Change struct {
	Seq     int64
	ID      string
	Rev     string
	Deleted bool
	// Replicated is set for changes written by replication rather than by a
	// local edit.
	Replicated bool
}

type ChangesPage struct {
	Results []Change
	LastSeq int64
}

// BulkResult reports the outcome of one document in a replication write.
type BulkResult struct {
	ID       string
	Rev      string
	Written  bool
	Conflict bool
	Err      error
}

// LocalDoc is a non-replicated document. Checkpoints and counters live here.
type LocalDoc struct {
	ID   string
	Rev  string
	Body json.RawMessage
}

type Info struct {
	Name      string `json:"db_name"`
	DocCount  int    `json:"doc_count"`
	UpdateSeq int64  `json:"update_seq"`
}

func normalizeBody(body json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidDoc)
	}
	return append(json.RawMessage(nil), trimmed...), nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: missing _id", ErrInvalidDoc)
	}
	if strings.HasPrefix(id, "_") {
		return fmt.Errorf("%w: _id %q uses the reserved underscore prefix", ErrInvalidDoc, id)
	}
	return nil
}
