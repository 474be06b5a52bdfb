// Package source classifies answer source records returned by the
// knowledge-base service into typed variants. Records arrive as opaque JSON
// objects discriminated by a "type" field; anything unrecognized degrades to
// Unknown rather than failing.
package source

import "encoding/json"

// Kind identifies a normalized source variant.
type Kind string

const (
	KindDocument          Kind = "document"
	KindWeb               Kind = "web"
	KindStructuredQuery   Kind = "structured_query"
	KindGeneratedArtifact Kind = "generated_artifact"
	KindUnknown           Kind = "unknown"
)

// Wire discriminator values used by the backend.
const (
	wireDocument        = "document"
	wireWeb             = "web"
	wireStructuredQuery = "tushare_query"
	wireGeneratedImage  = "generated_image"
)

// Source is one normalized answer source.
type Source interface {
	Kind() Kind
}

// Document is a chunk of an uploaded document that supported the answer.
type Document struct {
	DocumentID   string   `json:"document_id"`
	DocumentName string   `json:"document_name"`
	ChunkID      string   `json:"chunk_id"`
	PageNumber   *int     `json:"page_number,omitempty"`
	Preview      string   `json:"content_preview,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	ToolName     string   `json:"tool_name,omitempty"`
}

func (Document) Kind() Kind { return KindDocument }

// Web is an external web page source.
type Web struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

func (Web) Kind() Kind { return KindWeb }

// StructuredQuery records a structured API call the service made while
// answering, together with its parameters and an optional result summary.
type StructuredQuery struct {
	APIName string         `json:"api_name"`
	Params  map[string]any `json:"params"`
	Summary string         `json:"result_summary,omitempty"`
}

func (StructuredQuery) Kind() Kind { return KindStructuredQuery }

// GeneratedArtifact is content produced by the service itself (typically a
// rendered chart), carried base64-encoded.
type GeneratedArtifact struct {
	Title          string         `json:"title,omitempty"`
	EncodedContent string         `json:"content_base64"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
}

func (GeneratedArtifact) Kind() Kind { return KindGeneratedArtifact }

// Unknown preserves the discriminator of a record this client does not
// recognize. Consumers render it generically; it is not an error.
type Unknown struct {
	RawType string
}

func (Unknown) Kind() Kind { return KindUnknown }

// Normalize classifies a single raw source record. It never fails: malformed
// or unrecognized records come back as Unknown.
func Normalize(raw json.RawMessage) Source {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Unknown{}
	}

	switch probe.Type {
	case wireDocument:
		var s Document
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case wireWeb:
		var s Web
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case wireStructuredQuery:
		var s StructuredQuery
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case wireGeneratedImage:
		var s GeneratedArtifact
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}

	return Unknown{RawType: probe.Type}
}

// NormalizeAll classifies a slice of raw records, preserving order.
func NormalizeAll(raws []json.RawMessage) []Source {
	if len(raws) == 0 {
		return nil
	}
	sources := make([]Source, len(raws))
	for i, raw := range raws {
		sources[i] = Normalize(raw)
	}
	return sources
}
