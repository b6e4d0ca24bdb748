package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrObjectNotFound is returned when the bucket or object does not exist.
var ErrObjectNotFound = errors.New("gcs: object not found")

// objectURL builds the JSON API metadata/media URL. Object names are escaped as a
// single path segment so nested prefixes keep their slashes encoded.
func (c *Client) objectURL(bucket, name string) string {
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s", c.baseURL, url.PathEscape(bucket), url.PathEscape(name))
}

// Open streams the object's content. Callers must close the reader.
func (c *Client) Open(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(bucket, name)+"?alt=media", nil, "")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, "gcs download"); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// Read downloads the whole object.
func (c *Client) Read(ctx context.Context, bucket, name string) ([]byte, error) {
	body, err := c.Open(ctx, bucket, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}

// Write replaces the object with data.
func (c *Client) Write(ctx context.Context, bucket, name string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	u := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=media&name=%s",
		c.baseURL, url.PathEscape(bucket), url.QueryEscape(name))
	resp, err := c.do(ctx, http.MethodPost, u, bytes.NewReader(data), contentType)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp, "gcs upload")
}

// Copy duplicates an object server side.
func (c *Client) Copy(ctx context.Context, srcBucket, srcName, dstBucket, dstName string) error {
	u := fmt.Sprintf("%s/copyTo/b/%s/o/%s", c.objectURL(srcBucket, srcName), url.PathEscape(dstBucket), url.PathEscape(dstName))
	resp, err := c.do(ctx, http.MethodPost, u, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp, "gcs copy")
}

// Delete removes an object. A missing object is not an error.
func (c *Client) Delete(ctx context.Context, bucket, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(bucket, name), nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp, "gcs delete"); err != nil && !errors.Is(err, ErrObjectNotFound) {
		return err
	}
	return nil
}

// Exists reports whether the object is present.
func (c *Client) Exists(ctx context.Context, bucket, name string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(bucket, name), nil, "")
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch err := checkStatus(resp, "gcs stat"); {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrObjectNotFound):
		return false, nil
	default:
		return false, err
	}
}
