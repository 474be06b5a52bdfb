package kbapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/castoria/kbchat/internal/poller"
)

// ListDocuments returns the current document snapshot of one knowledge base.
func (c *Client) ListDocuments(ctx context.Context, kbID string) ([]poller.Resource, error) {
	resp, err := c.get(ctx, "/knowledgebases/"+kbID+"/documents")
	if err != nil {
		return nil, err
	}
	var out []poller.Resource
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UploadDocument sends one file as multipart form data. The created record
// starts in a non-terminal status; processing progress is observed by
// polling ListDocuments.
func (c *Client) UploadDocument(ctx context.Context, kbID, filename string, contents io.Reader) (poller.Resource, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return poller.Resource{}, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := io.Copy(part, contents); err != nil {
		return poller.Resource{}, fmt.Errorf("reading %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return poller.Resource{}, fmt.Errorf("finalizing multipart body: %w", err)
	}

	url := c.baseURL + apiPrefix + "/knowledgebases/" + kbID + "/documents/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return poller.Resource{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return poller.Resource{}, fmt.Errorf("knowledge-base service not reachable (%w)", err)
	}
	var out poller.Resource
	if err := decodeJSON(resp, &out); err != nil {
		return poller.Resource{}, err
	}
	return out, nil
}

// DeleteDocument removes one document from a knowledge base.
func (c *Client) DeleteDocument(ctx context.Context, kbID, docID string) error {
	resp, err := c.delete(ctx, "/knowledgebases/"+kbID+"/documents/"+docID)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}
