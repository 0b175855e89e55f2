package oss

import (
	"bytes"
	"fmt"
	"path"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/qs3c/dream_entitlement_server/config"
)

type Client struct {
	client     *oss.Client
	bucket     *oss.Bucket
	bucketName string
	prefix     string
}

func NewClient(cfg *config.OSSConfig) (*Client, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}

	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	prefix := cfg.ArchivePrefix
	if prefix == "" {
		prefix = "webhooks"
	}

	return &Client{
		client:     client,
		bucket:     bucket,
		bucketName: cfg.BucketName,
		prefix:     prefix,
	}, nil
}

// ArchiveKey 回调原文的对象路径：<prefix>/<provider>/<yyyy/mm/dd>/<event_id>.json
func ArchiveKey(prefix, provider, eventID string, at time.Time) string {
	return path.Join(prefix, provider, at.UTC().Format("2006/01/02"), eventID+".json")
}

// ArchiveWebhookPayload 归档回调原文，返回对象地址
func (c *Client) ArchiveWebhookPayload(provider, eventID string, data []byte) (string, error) {
	objectKey := ArchiveKey(c.prefix, provider, eventID, time.Now())

	err := c.bucket.PutObject(objectKey, bytes.NewReader(data), oss.ContentType("application/json"))
	if err != nil {
		return "", fmt.Errorf("failed to archive webhook payload: %w", err)
	}

	return c.GetURL(objectKey), nil
}

func (c *Client) GetURL(objectKey string) string {
	return fmt.Sprintf("https://%s.%s/%s", c.bucketName, c.client.Config.Endpoint, objectKey)
}
