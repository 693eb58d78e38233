package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// MediaRef is one media reference in a run payload. The remote API sends the
// same logical field as a bare URL string or as an object with a url key.
type MediaRef struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// UnmarshalJSON accepts "https://..." or {"url": "...", "filename": "..."}
func (m *MediaRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = MediaRef{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = MediaRef{URL: strings.TrimSpace(s)}
		return nil
	case '{':
		var obj struct {
			URL      string `json:"url"`
			Filename string `json:"filename"`
			Name     string `json:"name"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		name := obj.Filename
		if name == "" {
			name = obj.Name
		}
		*m = MediaRef{URL: strings.TrimSpace(obj.URL), Filename: name}
		return nil
	default:
		return fmt.Errorf("unsupported media reference: %s", truncate(data))
	}
}

// DecodedFilename returns the API-provided filename, URL-decoded
func (m MediaRef) DecodedFilename() string {
	if m.Filename == "" {
		return ""
	}
	if decoded, err := url.PathUnescape(m.Filename); err == nil {
		return decoded
	}
	return m.Filename
}

// MediaList is a media field that may be a single reference or a list of them
type MediaList []MediaRef

// UnmarshalJSON accepts a single reference, a list of references or null
func (l *MediaList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		out := make(MediaList, 0, len(raw))
		for _, item := range raw {
			var ref MediaRef
			if err := ref.UnmarshalJSON(item); err != nil {
				return err
			}
			if ref.URL != "" {
				out = append(out, ref)
			}
		}
		*l = out
		return nil
	}
	var ref MediaRef
	if err := ref.UnmarshalJSON(data); err != nil {
		return err
	}
	if ref.URL == "" {
		*l = nil
		return nil
	}
	*l = MediaList{ref}
	return nil
}

// OutputData holds the media fields of one workflow output node
type OutputData struct {
	Images MediaList `json:"images"`
	Video  MediaList `json:"video"`
	Videos MediaList `json:"videos"`
	Gifs   MediaList `json:"gifs"`
	Files  MediaList `json:"files"`
}

// Output is one entry of a run's outputs list. Entries arrive either wrapped
// as {"data": {...}} or with the media fields inline.
type Output struct {
	NodeID string     `json:"node_id,omitempty"`
	Data   OutputData `json:"data"`
}

// UnmarshalJSON flattens both output shapes into Output.Data
func (o *Output) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		NodeID string          `json:"node_id"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	o.NodeID = wrapped.NodeID
	body := data
	if len(bytes.TrimSpace(wrapped.Data)) > 0 && !bytes.Equal(bytes.TrimSpace(wrapped.Data), []byte("null")) {
		body = wrapped.Data
	}
	var od OutputData
	if err := json.Unmarshal(body, &od); err != nil {
		return err
	}
	o.Data = od
	return nil
}

// Payload is the media-bearing part of a run status response
type Payload struct {
	Outputs     []Output  `json:"outputs"`
	OutputFiles MediaList `json:"output_files"`
}

func truncate(data []byte) string {
	const max = 64
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
