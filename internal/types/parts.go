// internal/types/parts.go
package types

import (
	"encoding/json"
	"fmt"
)

type PartKind string

const (
	PartText PartKind = "text"
	PartFile PartKind = "file"
	PartData PartKind = "data"
)

// Part is one content unit of a message. The set of implementations is
// closed: TextPart, FilePart and DataPart.
type Part interface {
	Kind() PartKind
	isPart()
}

type TextPart struct {
	Text     string
	Metadata map[string]any
}

type FileRef struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
}

type FilePart struct {
	File     FileRef
	Metadata map[string]any
}

type DataPart struct {
	Data     map[string]any
	Metadata map[string]any
}

func (TextPart) Kind() PartKind { return PartText }
func (FilePart) Kind() PartKind { return PartFile }
func (DataPart) Kind() PartKind { return PartData }

func (TextPart) isPart() {}
func (FilePart) isPart() {}
func (DataPart) isPart() {}

// Parts is an ordered list of parts with a kind-tagged JSON encoding.
type Parts []Part

// Clone copies the list and the top level of each part's maps.
func (ps Parts) Clone() Parts {
	if ps == nil {
		return nil
	}
	out := make(Parts, len(ps))
	for i, p := range ps {
		switch v := p.(type) {
		case TextPart:
			v.Metadata = cloneMap(v.Metadata)
			out[i] = v
		case FilePart:
			v.Metadata = cloneMap(v.Metadata)
			out[i] = v
		case DataPart:
			v.Data = cloneMap(v.Data)
			v.Metadata = cloneMap(v.Metadata)
			out[i] = v
		}
	}
	return out
}

type partJSON struct {
	Kind     PartKind       `json:"kind"`
	Text     *string        `json:"text,omitempty"`
	File     *FileRef       `json:"file,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (ps Parts) MarshalJSON() ([]byte, error) {
	out := make([]partJSON, 0, len(ps))
	for _, p := range ps {
		switch v := p.(type) {
		case TextPart:
			text := v.Text
			out = append(out, partJSON{Kind: PartText, Text: &text, Metadata: v.Metadata})
		case FilePart:
			file := v.File
			out = append(out, partJSON{Kind: PartFile, File: &file, Metadata: v.Metadata})
		case DataPart:
			data := v.Data
			if data == nil {
				data = map[string]any{}
			}
			out = append(out, partJSON{Kind: PartData, Data: data, Metadata: v.Metadata})
		default:
			return nil, fmt.Errorf("unknown part type %T", p)
		}
	}
	return json.Marshal(out)
}

func (ps *Parts) UnmarshalJSON(data []byte) error {
	var in []partJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in == nil {
		*ps = nil
		return nil
	}
	out := make(Parts, 0, len(in))
	for i, p := range in {
		switch p.Kind {
		case PartText:
			tp := TextPart{Metadata: p.Metadata}
			if p.Text != nil {
				tp.Text = *p.Text
			}
			out = append(out, tp)
		case PartFile:
			fp := FilePart{Metadata: p.Metadata}
			if p.File != nil {
				fp.File = *p.File
			}
			out = append(out, fp)
		case PartData:
			out = append(out, DataPart{Data: p.Data, Metadata: p.Metadata})
		default:
			return fmt.Errorf("part %d: unknown kind %q", i, p.Kind)
		}
	}
	*ps = out
	return nil
}
