package source

import (
	"encoding/json"
	"testing"
)

func TestNormalize_Document(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "document",
		"document_id": "doc-1",
		"document_name": "annual_report.pdf",
		"chunk_id": "chunk-42",
		"page_number": 7,
		"content_preview": "Revenue grew by...",
		"score": 0.91
	}`)

	s := Normalize(raw)
	doc, ok := s.(Document)
	if !ok {
		t.Fatalf("Normalize returned %T, want Document", s)
	}
	if doc.DocumentID != "doc-1" {
		t.Errorf("DocumentID = %q, want %q", doc.DocumentID, "doc-1")
	}
	if doc.DocumentName != "annual_report.pdf" {
		t.Errorf("DocumentName = %q, want %q", doc.DocumentName, "annual_report.pdf")
	}
	if doc.PageNumber == nil || *doc.PageNumber != 7 {
		t.Errorf("PageNumber = %v, want 7", doc.PageNumber)
	}
	if doc.Score == nil || *doc.Score != 0.91 {
		t.Errorf("Score = %v, want 0.91", doc.Score)
	}
	if doc.Kind() != KindDocument {
		t.Errorf("Kind = %q, want %q", doc.Kind(), KindDocument)
	}
}

func TestNormalize_Web(t *testing.T) {
	raw := json.RawMessage(`{"type":"web","url":"https://example.com","title":"Example"}`)

	s := Normalize(raw)
	web, ok := s.(Web)
	if !ok {
		t.Fatalf("Normalize returned %T, want Web", s)
	}
	if web.URL != "https://example.com" {
		t.Errorf("URL = %q, want %q", web.URL, "https://example.com")
	}
}

func TestNormalize_StructuredQuery(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "tushare_query",
		"api_name": "daily_quotes",
		"params": {"symbol": "600519", "limit": 10},
		"result_summary": "10 rows"
	}`)

	s := Normalize(raw)
	sq, ok := s.(StructuredQuery)
	if !ok {
		t.Fatalf("Normalize returned %T, want StructuredQuery", s)
	}
	if sq.APIName != "daily_quotes" {
		t.Errorf("APIName = %q, want %q", sq.APIName, "daily_quotes")
	}
	if sq.Params["symbol"] != "600519" {
		t.Errorf("Params[symbol] = %v, want 600519", sq.Params["symbol"])
	}
}

func TestNormalize_GeneratedArtifact(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "generated_image",
		"title": "Trend line",
		"content_base64": "aGVsbG8=",
		"metadata": {"analysis_type": "line_plot"}
	}`)

	s := Normalize(raw)
	art, ok := s.(GeneratedArtifact)
	if !ok {
		t.Fatalf("Normalize returned %T, want GeneratedArtifact", s)
	}
	if art.EncodedContent != "aGVsbG8=" {
		t.Errorf("EncodedContent = %q, want %q", art.EncodedContent, "aGVsbG8=")
	}
	if art.Metadata["analysis_type"] != "line_plot" {
		t.Errorf("Metadata = %v, want analysis_type=line_plot", art.Metadata)
	}
}

func TestNormalize_UnknownDiscriminator(t *testing.T) {
	raw := json.RawMessage(`{"type":"exotic_tool","payload":"whatever"}`)

	s := Normalize(raw)
	unk, ok := s.(Unknown)
	if !ok {
		t.Fatalf("Normalize returned %T, want Unknown", s)
	}
	if unk.RawType != "exotic_tool" {
		t.Errorf("RawType = %q, want %q", unk.RawType, "exotic_tool")
	}
}

func TestNormalize_MalformedRecord(t *testing.T) {
	s := Normalize(json.RawMessage(`not json at all`))
	if _, ok := s.(Unknown); !ok {
		t.Fatalf("Normalize returned %T for malformed input, want Unknown", s)
	}
}

func TestNormalizeAll_PreservesOrder(t *testing.T) {
	raws := []json.RawMessage{
		json.RawMessage(`{"type":"web","url":"https://a.example"}`),
		json.RawMessage(`{"type":"mystery"}`),
		json.RawMessage(`{"type":"document","document_id":"d","document_name":"n","chunk_id":"c"}`),
	}

	sources := NormalizeAll(raws)
	if len(sources) != 3 {
		t.Fatalf("NormalizeAll returned %d sources, want 3", len(sources))
	}
	if sources[0].Kind() != KindWeb {
		t.Errorf("sources[0].Kind = %q, want %q", sources[0].Kind(), KindWeb)
	}
	if sources[1].Kind() != KindUnknown {
		t.Errorf("sources[1].Kind = %q, want %q", sources[1].Kind(), KindUnknown)
	}
	if sources[2].Kind() != KindDocument {
		t.Errorf("sources[2].Kind = %q, want %q", sources[2].Kind(), KindDocument)
	}
}

func TestNormalizeAll_Empty(t *testing.T) {
	if got := NormalizeAll(nil); got != nil {
		t.Errorf("NormalizeAll(nil) = %v, want nil", got)
	}
}
