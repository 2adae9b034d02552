package streaming

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
)

// ProducerSpec configures the producer of one topic.
type ProducerSpec struct {
	Topic string `json:"topic" validate:"required"`
	// Stream overrides the broker stream name. Defaults to one derived
	// from Topic.
	Stream       string `json:"stream,omitempty"`
	AckTimeoutMs int    `json:"ackTimeoutMs,omitempty" validate:"gte=0"`
	// MaxBytes bounds the embedded log of the topic. Zero keeps everything.
	MaxBytes int64 `json:"maxBytes,omitempty" validate:"gte=0"`
}

// ConsumerSpec configures one consumer instance.
type ConsumerSpec struct {
	// Key selects the registered consumer factory.
	Key string `json:"key" validate:"required"`
	// Name identifies the instance in logs and metrics. Defaults to Key.
	Name   string `json:"name,omitempty"`
	Topic  string `json:"topic" validate:"required"`
	Stream string `json:"stream,omitempty"`
	// Group is the durable position owner. Defaults to Name.
	Group     string          `json:"group,omitempty"`
	BatchSize int             `json:"batchSize,omitempty" validate:"gte=0"`
	Options   json.RawMessage `json:"options,omitempty"`
}

var specValidator = validator.New(validator.WithRequiredStructEnabled())

// ParseProducerSpecs parses a JSON list of producer specs.
func ParseProducerSpecs(s string) ([]ProducerSpec, error) {
	var specs []ProducerSpec
	if err := decodeSpecs(s, &specs); err != nil {
		return nil, invalidSpec("parse producer configs", err)
	}
	for i := range specs {
		if err := specValidator.Struct(specs[i]); err != nil {
			return nil, invalidSpec("parse producer configs", fmt.Errorf("entry %d: %w", i, err))
		}
	}
	return specs, nil
}

// ParseConsumerSpecs parses a JSON list of consumer specs and fills defaults.
func ParseConsumerSpecs(s string) ([]ConsumerSpec, error) {
	var specs []ConsumerSpec
	if err := decodeSpecs(s, &specs); err != nil {
		return nil, invalidSpec("parse consumer configs", err)
	}
	for i := range specs {
		sp := &specs[i]
		if err := specValidator.Struct(sp); err != nil {
			return nil, invalidSpec("parse consumer configs", fmt.Errorf("entry %d: %w", i, err))
		}
		if sp.Name == "" {
			sp.Name = sp.Key
		}
		if sp.Group == "" {
			sp.Group = sp.Name
		}
	}
	return specs, nil
}

// DecodeOptions unmarshals the consumer's free-form options into v.
func (s ConsumerSpec) DecodeOptions(v any) error {
	if len(s.Options) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Options, v); err != nil {
		return invalidSpec("decode consumer options", fmt.Errorf("consumer %q: %w", s.Name, err))
	}
	return nil
}

func decodeSpecs(s string, v any) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func invalidSpec(action string, err error) error {
	return smerrors.WrapFatal(fmt.Errorf("%w: %v", smerrors.ErrInvalidConfig, err), "streaming", "Parse", action)
}

// ParseBrokerList splits a comma separated broker list, dropping blanks.
func ParseBrokerList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
