package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"plantops-data/internal/events"

	"go.uber.org/zap"
)

// brokerClient common/mqtt.Client 的最小接口（测试中替换）
type brokerClient interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	QoS() byte
}

// CycleMQTTPublisher 将周期事件推送给现场地图客户端
// 主题: {prefix}/{tenant_id}/{task_type}/events
type CycleMQTTPublisher struct {
	client      brokerClient
	topicPrefix string
	logger      *zap.Logger
}

// NewCycleMQTTPublisher 创建 MQTT 事件发布器
func NewCycleMQTTPublisher(client brokerClient, topicPrefix string, logger *zap.Logger) *CycleMQTTPublisher {
	return &CycleMQTTPublisher{client: client, topicPrefix: topicPrefix, logger: logger}
}

var _ events.Publisher = (*CycleMQTTPublisher)(nil)

// Topic 事件主题
func (p *CycleMQTTPublisher) Topic(tenantID, taskType string) string {
	return fmt.Sprintf("%s/%s/%s/events", p.topicPrefix, tenantID, taskType)
}

// Publish 发布事件（paho 的 token 等待不支持 ctx，这里只在发布前检查取消）
func (p *CycleMQTTPublisher) Publish(ctx context.Context, ev events.CycleEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle event: %w", err)
	}
	topic := p.Topic(ev.TenantID, ev.TaskType)
	if err := p.client.Publish(topic, p.client.QoS(), false, payload); err != nil {
		return err
	}
	p.logger.Debug("Published cycle event",
		zap.String("topic", topic),
		zap.String("type", ev.Type),
	)
	return nil
}
