package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeProcessingRequest parses a work queue message body. On failure the
// returned request holds whatever fields did decode, so a FAILURE record can
// still be addressed, and the error wraps ErrMalformedRequest.
func DecodeProcessingRequest(body []byte) (ProcessingRequest, error) {
	var req ProcessingRequest

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return req, fmt.Errorf("%w: invalid json: %v", ErrMalformedRequest, err)
	}
	if fields == nil {
		return req, fmt.Errorf("%w: body is not an object", ErrMalformedRequest)
	}

	var missing []string
	var msg requestMessage
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"bucket", &msg.Bucket},
		{"key", &msg.Key},
		{"image_id", &msg.ImageID},
	} {
		raw, ok := fields[f.name]
		if !ok || json.Unmarshal(raw, f.dst) != nil || strings.TrimSpace(*f.dst) == "" {
			*f.dst = ""
			missing = append(missing, f.name)
		}
	}

	req.ImageID = msg.ImageID
	req.Source = Location{Bucket: msg.Bucket, Key: msg.Key}

	if len(missing) > 0 {
		return req, fmt.Errorf("%w: missing or invalid %s", ErrMalformedRequest, strings.Join(missing, ", "))
	}
	return req, nil
}

// EncodeProcessingRequest renders the wire form consumed by the worker.
func EncodeProcessingRequest(req ProcessingRequest) ([]byte, error) {
	return json.Marshal(requestMessage{
		Bucket:  req.Source.Bucket,
		Key:     req.Source.Key,
		ImageID: req.ImageID,
	})
}
