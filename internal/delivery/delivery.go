// Package delivery hands stored command invocations to devices. Encoding a
// command for a device's wire protocol sits behind CommandEncoder; transport
// sits behind Publisher.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/devicestore/pkg/types"
)

// Request carries everything needed to deliver one invocation.
type Request struct {
	Device        *types.Device
	Assignment    *types.DeviceAssignment
	Specification *types.DeviceSpecification
	Command       *types.DeviceCommand
	Invocation    *types.CommandInvocation
}

// Deliverer sends invocations to devices.
type Deliverer interface {
	Deliver(ctx context.Context, req *Request) error
}

// CommandEncoder turns an invocation into the bytes a device understands.
type CommandEncoder interface {
	EncodeCommand(spec *types.DeviceSpecification, cmd *types.DeviceCommand, inv *types.CommandInvocation) ([]byte, error)
}

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// ErrMissingParameter is returned when a required command parameter has no value.
var ErrMissingParameter = errors.New("delivery: missing required parameter")

// ErrInvalidParameter is returned when a parameter value does not parse as its declared type.
var ErrInvalidParameter = errors.New("delivery: invalid parameter value")

// JSONEncoder encodes invocations as a JSON envelope with typed parameter
// values.
type JSONEncoder struct{}

type jsonCommand struct {
	InvocationID  string         `json:"invocationId"`
	Specification string         `json:"specification,omitempty"`
	Namespace     string         `json:"namespace"`
	Command       string         `json:"command"`
	Parameters    map[string]any `json:"parameters"`
	EventDate     time.Time      `json:"eventDate"`
}

// EncodeCommand implements CommandEncoder.
func (JSONEncoder) EncodeCommand(spec *types.DeviceSpecification, cmd *types.DeviceCommand, inv *types.CommandInvocation) ([]byte, error) {
	params := make(map[string]any, len(cmd.Parameters))
	for _, p := range cmd.Parameters {
		raw, ok := inv.ParameterValues[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("%w: %s.%s", ErrMissingParameter, cmd.Name, p.Name)
			}
			continue
		}
		v, err := parseParameter(p.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidParameter, p.Name, raw, err)
		}
		params[p.Name] = v
	}

	out := jsonCommand{
		InvocationID: inv.ID,
		Namespace:    cmd.Namespace,
		Command:      cmd.Name,
		Parameters:   params,
		EventDate:    inv.EventDate,
	}
	if spec != nil {
		out.Specification = spec.Token
	}
	return json.Marshal(out)
}

func parseParameter(t types.ParameterType, raw string) (any, error) {
	switch t {
	case types.ParameterInt64:
		return strconv.ParseInt(raw, 10, 64)
	case types.ParameterDouble:
		return strconv.ParseFloat(raw, 64)
	case types.ParameterBool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

// Service encodes invocations and publishes them to
// <prefix>/<hardwareId>/commands.
type Service struct {
	encoder     CommandEncoder
	publisher   Publisher
	topicPrefix string
	logger      *zap.Logger
}

// NewService creates a Service. A nil encoder means JSONEncoder.
func NewService(encoder CommandEncoder, publisher Publisher, topicPrefix string, logger *zap.Logger) *Service {
	if encoder == nil {
		encoder = JSONEncoder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		encoder:     encoder,
		publisher:   publisher,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		logger:      logger,
	}
}

// Topic returns the command topic of a device.
func (s *Service) Topic(hardwareID string) string {
	if s.topicPrefix == "" {
		return hardwareID + "/commands"
	}
	return s.topicPrefix + "/" + hardwareID + "/commands"
}

// Deliver implements Deliverer.
func (s *Service) Deliver(ctx context.Context, req *Request) error {
	if req.Device == nil || req.Command == nil || req.Invocation == nil {
		return fmt.Errorf("delivery: device, command and invocation are required")
	}

	payload, err := s.encoder.EncodeCommand(req.Specification, req.Command, req.Invocation)
	if err != nil {
		return fmt.Errorf("delivery: encode %s: %w", req.Command.Name, err)
	}

	topic := s.Topic(req.Device.HardwareID)
	if err := s.publisher.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("delivery: publish to %s: %w", topic, err)
	}

	s.logger.Debug("command delivered",
		zap.String("topic", topic),
		zap.String("command", req.Command.Name),
		zap.String("invocation", req.Invocation.ID))
	return nil
}

// Close closes the publisher.
func (s *Service) Close() error {
	return s.publisher.Close()
}
