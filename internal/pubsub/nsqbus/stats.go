package nsqbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/austindbirch/task_relay/internal/metrics"
)

// Stats is the part of nsqd's /stats?format=json reply the backlog
// monitor reads
type Stats struct {
	Topics []TopicStats `json:"topics"`
}

type TopicStats struct {
	TopicName string         `json:"topic_name"`
	Depth     int64          `json:"depth"`
	Channels  []ChannelStats `json:"channels"`
}

type ChannelStats struct {
	ChannelName   string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
}

// FetchStats reads topic and channel counters from nsqd's HTTP address
// (host:port or a full URL)
func FetchStats(ctx context.Context, client *http.Client, httpAddr string) (Stats, error) {
	base := httpAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/stats?format=json", nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("failed to get NSQ stats: status %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return stats, nil
}

// WatchBacklog polls nsqd every interval and exports the depth of every
// relay topic's channels until ctx is done
func WatchBacklog(ctx context.Context, httpAddr, topicPrefix string, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: interval}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats, err := FetchStats(ctx, client, httpAddr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("nsq stats poll failed", zap.Error(err))
		} else {
			recordBacklog(stats, topicPrefix)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func recordBacklog(stats Stats, topicPrefix string) {
	metrics.ResetRelayChannels()
	for _, topic := range stats.Topics {
		if !strings.HasPrefix(topic.TopicName, topicPrefix) {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.SetRelayChannel(topic.TopicName, ch.ChannelName, ch.Depth, ch.InFlightCount)
		}
	}
}
