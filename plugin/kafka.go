package plugin

import (
	"encoding/json"
	"strings"

	"github.com/Shopify/sarama"
	slog "github.com/vearne/simplelog"

	"github.com/vearne/tcptap/model"
)

// OutputKafkaConfig is the representation of kafka output configuration
type OutputKafkaConfig struct {
	Host       string `json:"output-kafka-host"`
	Topic      string `json:"output-kafka-topic"`
	SASLConfig SASLKafkaConfig
}

// SASLKafkaConfig SASL configuration
type SASLKafkaConfig struct {
	UseSASL   bool   `json:"output-kafka-use-sasl"`
	Mechanism string `json:"output-kafka-mechanism"`
	Username  string `json:"output-kafka-username"`
	Password  string `json:"output-kafka-password"`
}

// KafkaOutput ships dump records to a Kafka topic as JSON, one message
// per record, keyed by flow id so one flow's records stay in one
// partition.
type KafkaOutput struct {
	config   *OutputKafkaConfig
	producer sarama.AsyncProducer
}

func NewKafkaOutput(cf *OutputKafkaConfig) *KafkaOutput {
	c := sarama.NewConfig()
	c.Producer.RequiredAcks = sarama.WaitForLocal
	c.Producer.Return.Successes = false
	c.Producer.Return.Errors = true

	if cf.SASLConfig.UseSASL {
		c.Net.SASL.Enable = true
		c.Net.SASL.User = cf.SASLConfig.Username
		c.Net.SASL.Password = cf.SASLConfig.Password
		c.Net.SASL.Mechanism = sarama.SASLMechanism(cf.SASLConfig.Mechanism)
	}

	producer, err := sarama.NewAsyncProducer(strings.Split(cf.Host, ","), c)
	if err != nil {
		slog.Fatal("kafka output: %v", err)
	}

	o := &KafkaOutput{config: cf, producer: producer}
	go o.drainErrors()
	return o
}

func (o *KafkaOutput) drainErrors() {
	for err := range o.producer.Errors() {
		slog.Error("kafka output: %v", err)
	}
}

func (o *KafkaOutput) Write(rec *model.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	o.producer.Input() <- &sarama.ProducerMessage{
		Topic: o.config.Topic,
		Key:   sarama.StringEncoder(rec.FlowID),
		Value: sarama.ByteEncoder(data),
	}
	return nil
}

func (o *KafkaOutput) Close() error {
	return o.producer.Close()
}
