package main

import "fmt"

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// reference to a blob in the object store
type Location struct {
	Bucket string
	Key    string
}

func (l Location) URI() string {
	return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
}

func (l Location) String() string {
	return l.URI()
}

// one unit of work as carried by the work queue
type ProcessingRequest struct {
	ImageID string
	Source  Location
}

// wire form of a processing request
type requestMessage struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	ImageID string `json:"image_id"`
}

// completion notification published to the result channel, never mutated after publish
type ResultRecord struct {
	ImageID       string  `json:"image_id"`
	Original      string  `json:"original"`
	Processed     *string `json:"processed"`
	Status        Status  `json:"status"`
	FailureReason *string `json:"failure_reason"`
}

func successRecord(req ProcessingRequest, dest Location) ResultRecord {
	processed := dest.URI()
	return ResultRecord{
		ImageID:   req.ImageID,
		Original:  req.Source.URI(),
		Processed: &processed,
		Status:    StatusSuccess,
	}
}

func failureRecord(imageID, original, reason string) ResultRecord {
	return ResultRecord{
		ImageID:       imageID,
		Original:      original,
		Status:        StatusFailure,
		FailureReason: &reason,
	}
}

// wraps a queue delivery with what the worker pool needs to settle it
type WorkerJob struct {
	Delivery Delivery
}
