package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"relaybox/internal/domain/outbox"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const archiveContentType = "application/x-ndjson"

// DlqArchiver writes expiring DLQ messages to S3 as one JSON Lines object per cleanup run.
type DlqArchiver struct {
	client ObjectPutter
	bucket string
	prefix string
	clock  func() time.Time
}

func NewDlqArchiver(client ObjectPutter, bucket, prefix string) (*DlqArchiver, error) {
	if client == nil {
		return nil, errors.New("s3 client not initialized")
	}
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if prefix == "" {
		prefix = "dlq"
	}
	return &DlqArchiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		clock:  time.Now,
	}, nil
}

func (a *DlqArchiver) Archive(ctx context.Context, msgs []*outbox.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode dlq message %s: %w", m.ID, err)
		}
	}

	key := a.ObjectKey(a.clock(), msgs[0].ID.String())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String(archiveContentType),
		ContentLength: aws.Int64(int64(buf.Len())),
		ACL:           types.ObjectCannedACLPrivate,
		Metadata: map[string]string{
			"message-count": fmt.Sprint(len(msgs)),
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// ObjectKey returns prefix/yyyy/mm/dd/<unix-millis>-<suffix>.jsonl for the archive written at t.
func (a *DlqArchiver) ObjectKey(t time.Time, suffix string) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%s/%d-%s.jsonl", a.prefix, t.Format("2006/01/02"), t.UnixMilli(), suffix)
}
