package bus

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"flowsentry/pkg/model"
)

const DefaultSubject = "flowsentry.flows.scored"

// Batch 是总线上的消息体，与 HTTP ingest 的请求体同构。
type Batch struct {
	Flows json.RawMessage `json:"flows"`
}

// Encode 把一批已评分的流编码成消息体。
func Encode(flows []model.FlowRecord) ([]byte, error) {
	raw, err := json.Marshal(flows)
	if err != nil {
		return nil, fmt.Errorf("序列化 flows 失败：%w", err)
	}
	return json.Marshal(Batch{Flows: raw})
}

// Decode 取出消息体中的 flows 字段，内容由调用方校验。
func Decode(data []byte) (json.RawMessage, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("解析消息失败：%w", err)
	}
	if len(b.Flows) == 0 {
		return nil, fmt.Errorf("消息缺少 flows 字段")
	}
	return b.Flows, nil
}

type Publisher struct {
	nc      *nats.Conn
	subject string
}

func NewPublisher(url, subject string) (*Publisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败：%w", err)
	}
	log.Printf("已连接 NATS：%s", url)
	return &Publisher{nc: nc, subject: subject}, nil
}

func (p *Publisher) Publish(flows []model.FlowRecord) error {
	data, err := Encode(flows)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("发布到 %s 失败：%w", p.subject, err)
	}
	return nil
}

// Close 先 drain 再关闭，保证已发布的消息送达。
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Handler 处理一条消息中的 flows；返回的错误只记录日志。
type Handler func(flows json.RawMessage) error

type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

func NewSubscriber(url, subject string) (*Subscriber, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败：%w", err)
	}
	log.Printf("已连接 NATS：%s", url)
	return &Subscriber{nc: nc, subject: subject}, nil
}

func (s *Subscriber) Start(handler Handler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		flows, err := Decode(msg.Data)
		if err != nil {
			log.Printf("丢弃 %s 上的消息：%v", s.subject, err)
			return
		}
		if err := handler(flows); err != nil {
			log.Printf("处理 %s 上的消息失败：%v", s.subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("订阅 %s 失败：%w", s.subject, err)
	}
	s.sub = sub
	log.Printf("已订阅 %s", s.subject)
	return nil
}

func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}
