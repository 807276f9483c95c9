// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// EnsureTopics creates the given topics if they do not exist yet.
// Topics which already exist are left untouched, so it is safe to run
// on every worker start.
func EnsureTopics(ctx context.Context, cfg Config, partitions int32, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}

	opts, err := clientOpts(ctx, cfg)
	if err != nil {
		return err
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	admin := kadm.NewClient(client)

	resp, err := admin.CreateTopics(ctx, partitions, -1, nil, topics...)
	if err != nil {
		return err
	}

	for _, topicResp := range resp.Sorted() {
		if topicResp.Err == nil {
			continue
		}
		if errors.Is(topicResp.Err, kerr.TopicAlreadyExists) {
			continue
		}
		return topicResp.Err
	}
	return nil
}
